package training

import (
	"context"
	"time"

	"github.com/airsonde/airsonde/internal/detect"
	"github.com/airsonde/airsonde/internal/store"
)

// Package training schedules background model training from stored readings.
//
// Responsibilities:
//   - Periodically discover sensors with enough recent data to train
//   - Fit a model per sensor through the detection orchestrator
//   - Persist trained snapshots and training metadata
//   - Serve out-of-band retrain requests from the API
//   - Back off briefly when the reading store is unavailable
//
// A cycle walks every qualifying device and trains all four sensor fields.
// One sensor failing is skipped and logged; the cycle continues. Stop waits
// for an in-flight cycle to finish rather than interrupting it.

// Scheduler runs the periodic training loop.
type Scheduler interface {
	// Start launches the background loop. It returns an error if the
	// scheduler is already running.
	Start(ctx context.Context) error

	// Stop halts the loop and waits for any in-flight cycle to drain.
	Stop()

	// RetrainNow queues an immediate out-of-band training pass. An empty
	// deviceID retrains everything; an empty sensorType retrains all fields
	// of the device. The request is processed asynchronously.
	RetrainNow(deviceID, sensorType string)

	// RunCycle executes one full training pass synchronously.
	RunCycle(ctx context.Context) CycleResult

	// CycleTimes reports when the last successful cycle finished and when
	// the next one is due. ok is false until a cycle has completed.
	CycleTimes() (last, next time.Time, ok bool)
}

// DataSource is the slice of the persistence layer the scheduler reads from
// and reports to.
type DataSource interface {
	DevicesWithData(ctx context.Context, since time.Time, min int) ([]string, error)
	FieldValues(ctx context.Context, deviceID, field string, since time.Time, limit int) ([]float64, error)
	UpsertModelMeta(ctx context.Context, rec *store.ModelMetaRecord) error
}

// ArtifactStore persists trained model snapshots across restarts.
type ArtifactStore interface {
	Save(snap *detect.ModelSnapshot) error
	LoadAll() ([]*detect.ModelSnapshot, error)
}

// CycleResult summarizes one training pass.
type CycleResult struct {
	Devices  int           `json:"devices"`
	Trained  int           `json:"trained"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Config holds scheduler settings.
type Config struct {
	// Interval is the pause between scheduled cycles.
	Interval time.Duration

	// ErrorBackoff replaces Interval after a cycle-level failure, so a dead
	// store is retried quickly instead of half an hour later.
	ErrorBackoff time.Duration

	// MinReadings is the reading count below which a sensor is skipped.
	MinReadings int

	// Window bounds how far back training data reaches.
	Window time.Duration

	// WindowLimit caps readings per sensor within the window. The newest
	// readings win; they are fed to the detector oldest first.
	WindowLimit int
}

// DefaultConfig returns the standard training cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Minute,
		ErrorBackoff: time.Minute,
		MinReadings:  50,
		Window:       24 * time.Hour,
		WindowLimit:  1000,
	}
}
