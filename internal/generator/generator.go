package generator

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/airsonde/airsonde/internal/transport"
	"github.com/airsonde/airsonde/pkg/contracts"
)

// Package generator produces synthetic telemetry for exercising the
// pipeline without field hardware.
//
// Responsibilities:
//   - Simulate each device's sensor baselines with bounded fluctuation
//     and measurement noise
//   - Start occasional drift windows that push a baseline up or down
//     over tens of readings
//   - Inject out-of-band spikes, drops, and alert-range readings on a
//     randomized schedule
//   - Publish one JSON reading per device per interval to the device's
//     telemetry topic
//
// Each device runs an independent simulator with its own random stream,
// so a fixed seed replays the exact reading sequence per device.

// DefaultInterval is the pause between readings when none is configured.
const DefaultInterval = 5 * time.Second

// Config holds generator settings.
type Config struct {
	// Devices lists the device IDs to simulate.
	Devices []string

	// Interval is the pause between readings per device.
	Interval time.Duration

	// Seed fixes the random streams for reproducible runs. Zero seeds
	// from the clock.
	Seed int64

	// Profile is the simulation tuning shared by all devices. A zero
	// profile falls back to DefaultProfile.
	Profile Profile
}

// Generator runs one simulator per device and publishes every reading
// to that device's telemetry topic. The publisher is borrowed, not
// owned; the caller closes it after Stop returns.
type Generator struct {
	cfg Config
	pub transport.Publisher
	log *zap.Logger

	sims      []*simulator
	published atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a generator with one seeded simulator per device.
func New(cfg Config, pub transport.Publisher, log *zap.Logger) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if len(cfg.Profile.Sensors) == 0 {
		cfg.Profile = DefaultProfile()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	sims := make([]*simulator, 0, len(cfg.Devices))
	for i, deviceID := range cfg.Devices {
		rng := rand.New(rand.NewSource(seed + int64(i)))
		sims = append(sims, newSimulator(deviceID, cfg.Profile, rng))
	}

	return &Generator{cfg: cfg, pub: pub, log: log, sims: sims}
}

// Start launches one publishing loop per device and returns. Loops run
// until Stop is called or the context is cancelled.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return errors.New("generator already running")
	}
	if len(g.sims) == 0 {
		return errors.New("no devices configured")
	}
	g.running = true
	g.stopCh = make(chan struct{})

	for _, sim := range g.sims {
		g.wg.Add(1)
		go g.runDevice(ctx, sim)
	}

	g.log.Info("generator started",
		zap.Int("devices", len(g.sims)),
		zap.Duration("interval", g.cfg.Interval))
	return nil
}

// Stop halts every device loop and waits for them to finish. Safe to
// call more than once.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	g.log.Info("generator stopped", zap.Int64("published", g.published.Load()))
}

// Published reports the total readings published across all devices.
func (g *Generator) Published() int64 {
	return g.published.Load()
}

func (g *Generator) runDevice(ctx context.Context, sim *simulator) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	topic := contracts.DeviceTopic(sim.deviceID)
	for {
		g.publish(sim, topic)
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// publish steps the simulator once and sends the reading. Publish
// failures are logged and skipped; the loop keeps its cadence and the
// next reading goes out on the next tick.
func (g *Generator) publish(sim *simulator, topic string) {
	reading := sim.next(time.Now().UTC())
	msg := contracts.TelemetryMessage{
		Timestamp: reading.Timestamp.Format(time.RFC3339Nano),
		DeviceID:  reading.DeviceID,
		PM25:      reading.PM25,
		PM10:      reading.PM10,
		DBA:       reading.DBA,
		Vibration: reading.Vibration,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		g.log.Error("marshal reading failed",
			zap.String("device_id", sim.deviceID),
			zap.Error(err))
		return
	}

	if err := g.pub.Publish(topic, payload); err != nil {
		g.log.Error("publish reading failed",
			zap.String("device_id", sim.deviceID),
			zap.Error(err))
		return
	}

	g.published.Add(1)
	if sim.readings%100 == 0 {
		g.log.Info("generated readings",
			zap.String("device_id", sim.deviceID),
			zap.Int("count", sim.readings))
	}
}
