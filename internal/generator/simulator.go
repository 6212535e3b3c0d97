package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/airsonde/airsonde/internal/models"
)

// SensorProfile tunes the simulation of one sensor field.
type SensorProfile struct {
	// Baseline is the value the sensor starts at and meanders around.
	Baseline float64

	// Fluctuation is the per-reading random change as a fraction of the
	// current value.
	Fluctuation float64

	// Noise is the measurement noise as a fraction of the reading.
	Noise float64

	// NormalMin and NormalMax bound ordinary readings. Anomaly spikes
	// scale up from NormalMax, drops scale down from NormalMin.
	NormalMin, NormalMax float64

	// AlertMin and AlertMax bound injected alert readings.
	AlertMin, AlertMax float64

	// Min and Max are hard physical bounds. Every reading is clamped
	// into them before it leaves the simulator.
	Min, Max float64
}

// DriftProfile tunes gradual baseline drift.
type DriftProfile struct {
	// Chance is the per-reading probability that an idle sensor starts
	// a drift window.
	Chance float64

	// MinTicks and MaxTicks bound the window length in readings.
	MinTicks, MaxTicks int

	// MinStep and MaxStep bound the per-reading drift increment as a
	// fraction of the sensor baseline, so one profile spans sensors of
	// very different scales.
	MinStep, MaxStep float64
}

// EventProfile schedules injected anomalies and alerts.
type EventProfile struct {
	// AnomalyEveryMin and AnomalyEveryMax bound the reading count
	// between injected anomalies.
	AnomalyEveryMin, AnomalyEveryMax int

	// AlertEveryMin and AlertEveryMax bound the reading count between
	// injected alert-band readings.
	AlertEveryMin, AlertEveryMax int

	// SpikeChance picks between a spike and a drop when an anomaly
	// fires.
	SpikeChance float64

	// SpikeMin and SpikeMax multiply NormalMax to produce a spike.
	SpikeMin, SpikeMax float64

	// DropMin and DropMax multiply NormalMin to produce a drop.
	DropMin, DropMax float64
}

// Profile bundles the full simulation tuning for one device.
type Profile struct {
	Sensors map[string]SensorProfile
	Drift   DriftProfile
	Events  EventProfile
}

// DefaultProfile returns tuning that produces plausible urban air and
// noise telemetry: slow-moving baselines, an occasional drift window,
// an anomaly every minute or so at a one-second interval, and a rare
// alert-band reading. Alert bands sit above the severe rule cutoffs so
// injected alerts trip the highest threshold tier.
func DefaultProfile() Profile {
	return Profile{
		Sensors: map[string]SensorProfile{
			"pm2_5": {
				Baseline:    12.5,
				Fluctuation: 0.08,
				Noise:       0.03,
				NormalMin:   5,
				NormalMax:   35,
				AlertMin:    150,
				AlertMax:    400,
				Min:         0,
				Max:         500,
			},
			"pm10": {
				Baseline:    40,
				Fluctuation: 0.08,
				Noise:       0.03,
				NormalMin:   15,
				NormalMax:   75,
				AlertMin:    300,
				AlertMax:    480,
				Min:         0,
				Max:         500,
			},
			"dBA": {
				Baseline:    55,
				Fluctuation: 0.05,
				Noise:       0.02,
				NormalMin:   42,
				NormalMax:   78,
				AlertMin:    120,
				AlertMax:    160,
				Min:         30,
				Max:         200,
			},
			"vibration": {
				Baseline:    0.1,
				Fluctuation: 0.1,
				Noise:       0.05,
				NormalMin:   0.02,
				NormalMax:   0.25,
				AlertMin:    0.5,
				AlertMax:    2.5,
				Min:         0,
				Max:         100,
			},
		},
		Drift: DriftProfile{
			Chance:   0.02,
			MinTicks: 20,
			MaxTicks: 50,
			MinStep:  0.005,
			MaxStep:  0.02,
		},
		Events: EventProfile{
			AnomalyEveryMin: 40,
			AnomalyEveryMax: 80,
			AlertEveryMin:   150,
			AlertEveryMax:   300,
			SpikeChance:     0.7,
			SpikeMin:        1.6,
			SpikeMax:        2.8,
			DropMin:         0.1,
			DropMax:         0.5,
		},
	}
}

// sensorState is the mutable simulation state for one sensor field.
type sensorState struct {
	profile SensorProfile

	current float64

	drift      float64
	driftDir   float64
	driftTicks int

	sinceAnomaly int
	sinceAlert   int
}

// simulator produces readings for one device. Not safe for concurrent
// use; each device runs its own simulator on its own goroutine.
type simulator struct {
	deviceID string
	profile  Profile
	rng      *rand.Rand
	sensors  map[string]*sensorState
	readings int
}

func newSimulator(deviceID string, profile Profile, rng *rand.Rand) *simulator {
	sensors := make(map[string]*sensorState, len(profile.Sensors))
	for field, sp := range profile.Sensors {
		sensors[field] = &sensorState{profile: sp, current: sp.Baseline, driftDir: 1}
	}
	return &simulator{
		deviceID: deviceID,
		profile:  profile,
		rng:      rng,
		sensors:  sensors,
	}
}

// next produces the device's next reading. Sensors are stepped in the
// canonical field order so a seeded simulator replays the exact same
// sequence.
func (s *simulator) next(now time.Time) models.Reading {
	reading := models.Reading{Timestamp: now, DeviceID: s.deviceID}
	for _, field := range models.SensorFields {
		st, ok := s.sensors[field]
		if !ok {
			continue
		}
		reading.SetValue(field, s.nextValue(st))
	}
	s.readings++
	return reading
}

// nextValue advances one sensor by one reading. Injected anomalies and
// alerts leave the wandering baseline untouched, so the sensor snaps
// back to normal on the following reading.
func (s *simulator) nextValue(st *sensorState) float64 {
	s.updateDrift(st)

	ev := s.profile.Events

	st.sinceAnomaly++
	if st.sinceAnomaly >= s.randTicks(ev.AnomalyEveryMin, ev.AnomalyEveryMax) {
		st.sinceAnomaly = 0
		return round3(st.clamp(s.anomalyValue(st)))
	}

	st.sinceAlert++
	if st.sinceAlert >= s.randTicks(ev.AlertEveryMin, ev.AlertEveryMax) {
		st.sinceAlert = 0
		return round3(st.clamp(s.uniform(st.profile.AlertMin, st.profile.AlertMax)))
	}

	value := st.current * (1 + s.uniform(-st.profile.Fluctuation, st.profile.Fluctuation))
	value *= 1 + s.uniform(-st.profile.Noise, st.profile.Noise)
	value += st.drift

	clamped := st.clamp(value)
	st.current = clamped
	if clamped == st.profile.Min && value < st.profile.Min {
		// A downward drift pinned the sensor at its floor. Clear it so
		// the baseline can recover.
		st.drift = 0
	}
	return round3(clamped)
}

// anomalyValue draws a spike above the normal band or a drop below it.
func (s *simulator) anomalyValue(st *sensorState) float64 {
	ev := s.profile.Events
	if s.rng.Float64() < ev.SpikeChance {
		return s.uniform(st.profile.NormalMax*ev.SpikeMin, st.profile.NormalMax*ev.SpikeMax)
	}
	return s.uniform(st.profile.NormalMin*ev.DropMin, st.profile.NormalMin*ev.DropMax)
}

// updateDrift starts a drift window with the configured chance when the
// sensor is idle, then applies one increment per reading until the
// window closes. A freshly started window applies its first increment
// on the same reading.
func (s *simulator) updateDrift(st *sensorState) {
	d := s.profile.Drift
	if st.driftTicks == 0 && s.rng.Float64() < d.Chance {
		st.driftDir = 1
		if s.rng.Float64() < 0.5 {
			st.driftDir = -1
		}
		st.driftTicks = s.randTicks(d.MinTicks, d.MaxTicks)
	}
	if st.driftTicks > 0 {
		st.drift += s.uniform(d.MinStep, d.MaxStep) * st.profile.Baseline * st.driftDir
		st.driftTicks--
		if st.driftTicks == 0 {
			st.drift = 0
		}
	}
}

func (s *simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// randTicks draws a random count from [lo, hi], inclusive at both ends.
func (s *simulator) randTicks(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Intn(hi-lo+1)
}

func (st *sensorState) clamp(v float64) float64 {
	if v < st.profile.Min {
		return st.profile.Min
	}
	if v > st.profile.Max {
		return st.profile.Max
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
