package detect

import "github.com/airsonde/airsonde/internal/models"

// Package detect implements the anomaly-detection core: three detector
// strategy families and the orchestrator that owns per-sensor model
// assignment.
//
// Responsibilities:
//   - Train per-sensor models from historical readings
//   - Auto-select a strategy from measured data characteristics
//   - Classify each reading as normal, noise, drift, or alert
//   - Fuse votes from trained strategies in ensemble mode
//   - Serialize trained models for reload across restarts
//
// Strategy families:
//
//   1. Statistical
//      - Rolling mean and standard deviation, z-score classification
//      - Cheapest to train, fits with as few as 10 readings
//      - Default for sparsely observed sensors
//
//   2. Decomposition
//      - Trend, seasonal, and residual components over a rolling window
//      - Requires multiple full periods of data
//      - Chosen for sensors with strong autocorrelation at fixed lags
//
//   3. Sequence
//      - Recurrent regressor predicting the next value from a window
//      - Requires the largest training set
//      - Chosen for high-variance sensors without clear seasonality
//
// Failure policy: strategy errors and panics never propagate to callers.
// A failed fit reports false; a failed predict yields the low-confidence
// fallback prediction.

// Orchestrator coordinates detector strategies across sensor keys.
type Orchestrator interface {
	// Fit trains a model for the sensor and reports the strategy used.
	// It returns ok=false when no strategy accepts the series.
	Fit(sensorKey string, values []float64) (strategy string, ok bool, err error)

	// Predict classifies one reading for the sensor. In ensemble mode every
	// trained strategy votes; otherwise the assigned strategy decides.
	// Predictions below the confidence floor are coerced to normal.
	Predict(sensorKey string, value float64) models.Prediction

	// Trained reports whether the sensor has an assigned model.
	Trained(sensorKey string) bool

	// StrategyFor returns the strategy assigned to the sensor.
	StrategyFor(sensorKey string) (string, bool)

	// Sensors lists all sensor keys with assigned models, sorted.
	Sensors() []string

	// Remove discards the sensor's model and assignment.
	Remove(sensorKey string)

	// Snapshot serializes the sensor's trained model with its assignment.
	Snapshot(sensorKey string) (*ModelSnapshot, error)

	// Restore reinstates a previously snapshotted model.
	Restore(snap *ModelSnapshot) error
}
