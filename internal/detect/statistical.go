package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/airsonde/airsonde/internal/models"
)

// StatisticalConfig tunes the rolling-statistics detector.
type StatisticalConfig struct {
	WindowSize      int
	ZThreshold      float64
	DriftThreshold  float64
	NoiseThreshold  float64
	MinTrainingData int
}

// DefaultStatisticalConfig returns the standard tuning.
func DefaultStatisticalConfig() StatisticalConfig {
	return StatisticalConfig{
		WindowSize:      50,
		ZThreshold:      3.0,
		DriftThreshold:  0.1,
		NoiseThreshold:  0.05,
		MinTrainingData: 10,
	}
}

// statisticalState carries the rolling statistics for one sensor key.
type statisticalState struct {
	mean   float64
	std    float64
	min    float64
	max    float64
	window *window
	total  int
}

// statisticalSnapshot is the serialized form of statisticalState.
type statisticalSnapshot struct {
	Mean   float64   `json:"mean"`
	Std    float64   `json:"std"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Window []float64 `json:"window"`
	Total  int       `json:"total"`
}

// StatisticalDetector classifies readings by z-score against a rolling mean
// and standard deviation. It is the lightest strategy and the default for
// sparsely observed sensors.
type StatisticalDetector struct {
	mu     sync.Mutex
	cfg    StatisticalConfig
	states map[string]*statisticalState
}

// NewStatisticalDetector creates a statistical detector.
func NewStatisticalDetector(cfg StatisticalConfig) *StatisticalDetector {
	if cfg.WindowSize <= 0 {
		cfg = DefaultStatisticalConfig()
	}
	return &StatisticalDetector{
		cfg:    cfg,
		states: make(map[string]*statisticalState),
	}
}

func (d *StatisticalDetector) Name() string { return StrategyStatistical }

func (d *StatisticalDetector) MinTrainingData() int { return d.cfg.MinTrainingData }

// Fit computes baseline statistics over the training series and seeds the
// rolling window from its tail.
func (d *StatisticalDetector) Fit(sensorKey string, values []float64) (bool, error) {
	if err := validateSeries(values); err != nil {
		return false, fmt.Errorf("statistical fit %s: %w", sensorKey, err)
	}
	if len(values) < d.cfg.MinTrainingData {
		return false, nil
	}

	st := &statisticalState{
		mean:   mean(values),
		std:    stdDev(values),
		min:    minOf(values),
		max:    maxOf(values),
		window: newWindow(d.cfg.WindowSize),
		total:  len(values),
	}
	st.window.fill(tailOf(values, d.cfg.WindowSize))

	d.mu.Lock()
	d.states[sensorKey] = st
	d.mu.Unlock()
	return true, nil
}

// Predict scores one reading. The z-score uses the statistics from before the
// reading enters the window; the drift and noise checks see the updated
// window.
func (d *StatisticalDetector) Predict(sensorKey string, value float64) models.Prediction {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[sensorKey]
	if !ok {
		return Fallback("model not trained")
	}

	z := 0.0
	if st.std > 0 {
		z = math.Abs(value-st.mean) / st.std
	}

	st.window.push(value)
	vals := st.window.values()
	st.mean = mean(vals)
	st.std = stdDev(vals)
	st.total++

	category, confidence, details := d.classify(st, value, z)
	return models.Prediction{
		Category:     category,
		Confidence:   confidence,
		AnomalyScore: math.Min(z/d.cfg.ZThreshold, 1.0),
		Details:      details,
	}
}

func (d *StatisticalDetector) classify(st *statisticalState, value, z float64) (models.Category, float64, map[string]interface{}) {
	details := map[string]interface{}{
		"z_score": z,
		"mean":    st.mean,
		"std":     st.std,
		"value":   value,
	}

	if z > d.cfg.ZThreshold*2 {
		return models.CategoryAlert, 0.9, details
	}
	if z > d.cfg.ZThreshold {
		return models.CategoryNoise, 0.7, details
	}

	if st.window.len() >= 10 {
		recentMean := mean(st.window.tail(10))
		driftRatio := math.Abs(recentMean-st.mean) / math.Max(math.Abs(st.mean), 1e-6)
		if driftRatio > d.cfg.DriftThreshold {
			details["drift_ratio"] = driftRatio
			return models.CategoryDrift, 0.6, details
		}
	}

	if st.window.len() >= 5 {
		recentStd := stdDev(st.window.tail(5))
		if recentStd > st.std*(1+d.cfg.NoiseThreshold) {
			details["noise_std"] = recentStd
			return models.CategoryNoise, 0.5, details
		}
	}

	return models.CategoryNormal, 0.8, details
}

func (d *StatisticalDetector) Trained(sensorKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.states[sensorKey]
	return ok
}

func (d *StatisticalDetector) Remove(sensorKey string) {
	d.mu.Lock()
	delete(d.states, sensorKey)
	d.mu.Unlock()
}

func (d *StatisticalDetector) Snapshot(sensorKey string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[sensorKey]
	if !ok {
		return nil, fmt.Errorf("no model for sensor %s", sensorKey)
	}
	return json.Marshal(statisticalSnapshot{
		Mean:   st.mean,
		Std:    st.std,
		Min:    st.min,
		Max:    st.max,
		Window: st.window.values(),
		Total:  st.total,
	})
}

func (d *StatisticalDetector) Restore(sensorKey string, data []byte) error {
	var snap statisticalSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode statistical snapshot: %w", err)
	}

	st := &statisticalState{
		mean:   snap.Mean,
		std:    snap.Std,
		min:    snap.Min,
		max:    snap.Max,
		window: newWindow(d.cfg.WindowSize),
		total:  snap.Total,
	}
	st.window.fill(snap.Window)

	d.mu.Lock()
	d.states[sensorKey] = st
	d.mu.Unlock()
	return nil
}
