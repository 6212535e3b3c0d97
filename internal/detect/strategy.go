package detect

import (
	"fmt"

	"github.com/airsonde/airsonde/internal/models"
)

// Strategy identifiers recorded in model metadata and ensemble weights.
const (
	StrategyStatistical   = "statistical"
	StrategyDecomposition = "decomposition"
	StrategySequence      = "sequence"
)

// Strategy is the contract shared by the detector families. Implementations
// keep per-sensor model state keyed by sensor key and are safe for concurrent
// use across keys.
type Strategy interface {
	// Name returns the strategy identifier.
	Name() string

	// Fit trains a model for the sensor from chronologically ordered values.
	// It returns false without error when the data is insufficient.
	Fit(sensorKey string, values []float64) (bool, error)

	// Predict classifies one reading against the trained model. An untrained
	// sensor key yields the fallback prediction, never an error.
	Predict(sensorKey string, value float64) models.Prediction

	// Trained reports whether a model exists for the sensor key.
	Trained(sensorKey string) bool

	// MinTrainingData returns the smallest training series Fit accepts.
	MinTrainingData() int

	// Snapshot serializes the model state for one sensor key.
	Snapshot(sensorKey string) ([]byte, error)

	// Restore rebuilds model state for one sensor key from Snapshot output.
	Restore(sensorKey string, data []byte) error

	// Remove discards the model for the sensor key.
	Remove(sensorKey string)
}

// Fallback is the prediction served when no model can score a reading.
func Fallback(reason string) models.Prediction {
	return models.Prediction{
		Category:   models.CategoryNormal,
		Confidence: 0.1,
		Details: map[string]interface{}{
			"reason":   reason,
			"fallback": true,
		},
	}
}

// safeFit converts a strategy panic into an error so one broken model never
// takes down a training cycle.
func safeFit(s Strategy, sensorKey string, values []float64) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("strategy %s fit panic: %v", s.Name(), r)
		}
	}()
	return s.Fit(sensorKey, values)
}

// safePredict converts a strategy panic into the fallback prediction.
func safePredict(s Strategy, sensorKey string, value float64) (p models.Prediction) {
	defer func() {
		if r := recover(); r != nil {
			p = Fallback(fmt.Sprintf("strategy %s panic: %v", s.Name(), r))
		}
	}()
	return s.Predict(sensorKey, value)
}
