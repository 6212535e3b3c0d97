package generator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/pkg/contracts"
)

type published struct {
	topic   string
	payload []byte
}

type stubPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *stubPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, payload: payload})
	return p.err
}

func (p *stubPublisher) Close() {}

func (p *stubPublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

// quietProfile disables drift and scheduled injections so only the
// wandering baseline remains.
func quietProfile() Profile {
	p := DefaultProfile()
	p.Drift.Chance = 0
	p.Events.AnomalyEveryMin = 1 << 20
	p.Events.AnomalyEveryMax = 1 << 20
	p.Events.AlertEveryMin = 1 << 20
	p.Events.AlertEveryMax = 1 << 20
	return p
}

func singleSensorProfile(sp SensorProfile) Profile {
	p := quietProfile()
	p.Sensors = map[string]SensorProfile{"pm2_5": sp}
	return p
}

// ─── Simulator behavior ─────────────────────────────────────────────────

func TestNormalReadingsStayWithinPhysicalBounds(t *testing.T) {
	profile := quietProfile()
	sim := newSimulator("station-01", profile, rand.New(rand.NewSource(7)))
	now := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 500; i++ {
		reading := sim.next(now)
		for field, sp := range profile.Sensors {
			v, ok := reading.Value(field)
			if !ok {
				t.Fatalf("reading %d missing field %s", i, field)
			}
			if v < sp.Min || v > sp.Max {
				t.Fatalf("reading %d field %s value %v outside [%v, %v]", i, field, v, sp.Min, sp.Max)
			}
			if rounded := math.Round(v*1000) / 1000; rounded != v {
				t.Fatalf("reading %d field %s value %v not rounded to three decimals", i, field, v)
			}
		}
	}
}

func TestAnomalySpikesExceedNormalRange(t *testing.T) {
	sp := SensorProfile{
		Baseline:    10,
		Fluctuation: 0.05,
		Noise:       0.01,
		NormalMin:   5,
		NormalMax:   35,
		AlertMin:    150,
		AlertMax:    400,
		Min:         0,
		Max:         10000,
	}
	p := singleSensorProfile(sp)
	p.Events.AnomalyEveryMin = 1
	p.Events.AnomalyEveryMax = 1
	p.Events.SpikeChance = 1
	p.Events.SpikeMin = 1.6
	p.Events.SpikeMax = 2.8

	sim := newSimulator("station-01", p, rand.New(rand.NewSource(11)))
	now := time.Unix(1700000000, 0).UTC()

	lo := sp.NormalMax*p.Events.SpikeMin - 0.001
	hi := sp.NormalMax*p.Events.SpikeMax + 0.001
	for i := 0; i < 50; i++ {
		reading := sim.next(now)
		if reading.PM25 <= sp.NormalMax {
			t.Fatalf("reading %d: spike %v not above normal maximum %v", i, reading.PM25, sp.NormalMax)
		}
		if reading.PM25 < lo || reading.PM25 > hi {
			t.Fatalf("reading %d: spike %v outside [%v, %v]", i, reading.PM25, lo, hi)
		}
	}
}

func TestAnomalyDropsFallBelowNormalRange(t *testing.T) {
	sp := SensorProfile{
		Baseline:    10,
		Fluctuation: 0.05,
		Noise:       0.01,
		NormalMin:   5,
		NormalMax:   35,
		AlertMin:    150,
		AlertMax:    400,
		Min:         0,
		Max:         10000,
	}
	p := singleSensorProfile(sp)
	p.Events.AnomalyEveryMin = 1
	p.Events.AnomalyEveryMax = 1
	p.Events.SpikeChance = 0
	p.Events.DropMin = 0.1
	p.Events.DropMax = 0.5

	sim := newSimulator("station-01", p, rand.New(rand.NewSource(11)))
	now := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 50; i++ {
		reading := sim.next(now)
		if reading.PM25 >= sp.NormalMin {
			t.Fatalf("reading %d: drop %v not below normal minimum %v", i, reading.PM25, sp.NormalMin)
		}
		if reading.PM25 < sp.Min {
			t.Fatalf("reading %d: drop %v below physical floor", i, reading.PM25)
		}
	}
}

func TestAlertReadingsDrawFromAlertBand(t *testing.T) {
	sp := SensorProfile{
		Baseline:    10,
		Fluctuation: 0.05,
		Noise:       0.01,
		NormalMin:   5,
		NormalMax:   35,
		AlertMin:    150,
		AlertMax:    400,
		Min:         0,
		Max:         10000,
	}
	p := singleSensorProfile(sp)
	p.Events.AlertEveryMin = 1
	p.Events.AlertEveryMax = 1

	sim := newSimulator("station-01", p, rand.New(rand.NewSource(3)))
	now := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 50; i++ {
		reading := sim.next(now)
		if reading.PM25 < sp.AlertMin-0.001 || reading.PM25 > sp.AlertMax+0.001 {
			t.Fatalf("reading %d: alert %v outside [%v, %v]", i, reading.PM25, sp.AlertMin, sp.AlertMax)
		}
	}
}

func TestDriftAccumulatesAndResets(t *testing.T) {
	sp := SensorProfile{
		Baseline:    100,
		Fluctuation: 0.01,
		Noise:       0.01,
		NormalMin:   50,
		NormalMax:   150,
		AlertMin:    300,
		AlertMax:    400,
		Min:         0,
		Max:         10000,
	}
	p := singleSensorProfile(sp)
	p.Drift = DriftProfile{Chance: 1, MinTicks: 5, MaxTicks: 5, MinStep: 0.01, MaxStep: 0.01}

	sim := newSimulator("station-01", p, rand.New(rand.NewSource(5)))
	st := sim.sensors["pm2_5"]

	// A window of five ticks at a fixed step of 1% of baseline adds
	// exactly 1.0 per tick in one direction.
	for i := 0; i < 4; i++ {
		sim.updateDrift(st)
	}
	if got := math.Abs(st.drift); math.Abs(got-4.0) > 1e-9 {
		t.Fatalf("expected |drift| 4.0 after four ticks, got %v", got)
	}
	if st.driftTicks != 1 {
		t.Fatalf("expected one tick left in the window, got %d", st.driftTicks)
	}

	sim.updateDrift(st)
	if st.drift != 0 {
		t.Errorf("expected drift reset at window end, got %v", st.drift)
	}
}

func TestFloorClampResetsDownwardDrift(t *testing.T) {
	sp := SensorProfile{
		Baseline:    5,
		Fluctuation: 0,
		Noise:       0,
		NormalMin:   1,
		NormalMax:   10,
		AlertMin:    20,
		AlertMax:    30,
		Min:         0,
		Max:         100,
	}
	sim := newSimulator("station-01", singleSensorProfile(sp), rand.New(rand.NewSource(1)))
	st := sim.sensors["pm2_5"]
	st.drift = -50

	if got := sim.nextValue(st); got != 0 {
		t.Fatalf("expected value clamped to floor, got %v", got)
	}
	if st.drift != 0 {
		t.Errorf("expected drift cleared after floor clamp, got %v", st.drift)
	}
	if st.current != 0 {
		t.Errorf("expected baseline pinned at floor, got %v", st.current)
	}
}

func TestSeededSimulatorReplaysSequence(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	a := newSimulator("station-01", DefaultProfile(), rand.New(rand.NewSource(42)))
	b := newSimulator("station-01", DefaultProfile(), rand.New(rand.NewSource(42)))
	for i := 0; i < 200; i++ {
		ra, rb := a.next(now), b.next(now)
		if ra != rb {
			t.Fatalf("same seed diverged at reading %d: %+v vs %+v", i, ra, rb)
		}
	}

	c := newSimulator("station-01", DefaultProfile(), rand.New(rand.NewSource(42)))
	d := newSimulator("station-01", DefaultProfile(), rand.New(rand.NewSource(43)))
	diverged := false
	for i := 0; i < 50 && !diverged; i++ {
		diverged = c.next(now) != d.next(now)
	}
	if !diverged {
		t.Error("different seeds produced identical sequences")
	}
}

// ─── Generator lifecycle ────────────────────────────────────────────────

func TestGeneratorPublishesToDeviceTopics(t *testing.T) {
	pub := &stubPublisher{}
	gen := New(Config{
		Devices:  []string{"station-01", "station-02"},
		Interval: time.Hour,
		Seed:     42,
	}, pub, zap.NewNop())

	if err := gen.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for gen.Published() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	gen.Stop()

	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 published readings, got %d", len(msgs))
	}

	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.topic] = true

		var wire contracts.TelemetryMessage
		if err := json.Unmarshal(m.payload, &wire); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if _, err := time.Parse(time.RFC3339Nano, wire.Timestamp); err != nil {
			t.Errorf("timestamp %q not RFC 3339: %v", wire.Timestamp, err)
		}
		if wire.DeviceID == "" {
			t.Error("published reading missing device_id")
		}
		if wire.PM25 < 0 || wire.PM25 > 500 || wire.PM10 < 0 || wire.PM10 > 500 {
			t.Errorf("particulate values out of range: %+v", wire)
		}
		if wire.DBA < 30 || wire.DBA > 200 || wire.Vibration < 0 || wire.Vibration > 100 {
			t.Errorf("noise or vibration values out of range: %+v", wire)
		}
	}
	if !topics["telemetry/station-01"] || !topics["telemetry/station-02"] {
		t.Errorf("expected one reading per device topic, got %v", topics)
	}
}

func TestGeneratorStartGuards(t *testing.T) {
	pub := &stubPublisher{}

	empty := New(Config{}, pub, zap.NewNop())
	if err := empty.Start(context.Background()); err == nil {
		t.Fatal("expected error starting with no devices")
	}

	gen := New(Config{Devices: []string{"station-01"}, Interval: time.Hour, Seed: 1}, pub, zap.NewNop())
	if err := gen.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := gen.Start(context.Background()); err == nil {
		t.Error("expected error on second start")
	}
	gen.Stop()
	gen.Stop()
}

func TestGeneratorDefaultsConfig(t *testing.T) {
	gen := New(Config{Devices: []string{"station-01"}}, &stubPublisher{}, zap.NewNop())
	if gen.cfg.Interval != DefaultInterval {
		t.Errorf("expected default interval %v, got %v", DefaultInterval, gen.cfg.Interval)
	}
	if got := len(gen.cfg.Profile.Sensors); got != len(models.SensorFields) {
		t.Errorf("expected default profile to cover %d fields, got %d", len(models.SensorFields), got)
	}
}

func TestPublishFailureKeepsLoopAlive(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	gen := New(Config{
		Devices:  []string{"station-01"},
		Interval: 10 * time.Millisecond,
		Seed:     1,
	}, pub, zap.NewNop())

	if err := gen.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.messages()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	gen.Stop()

	if got := len(pub.messages()); got < 3 {
		t.Fatalf("expected the loop to keep publishing after errors, got %d attempts", got)
	}
	if got := gen.Published(); got != 0 {
		t.Errorf("expected no successful publishes, got %d", got)
	}
}
