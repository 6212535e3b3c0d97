package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/airsonde/airsonde/internal/models"
)

// DecompositionConfig tunes the seasonal-decomposition detector.
type DecompositionConfig struct {
	Period            int
	SeasonalPeriods   int
	ResidualThreshold float64
	TrendThreshold    float64
	MinTrainingData   int
}

// DefaultDecompositionConfig returns the standard tuning. The period of 24
// matches hourly environmental readings with a daily cycle.
func DefaultDecompositionConfig() DecompositionConfig {
	return DecompositionConfig{
		Period:            24,
		SeasonalPeriods:   2,
		ResidualThreshold: 2.0,
		TrendThreshold:    0.1,
		MinTrainingData:   100,
	}
}

// componentStats summarizes one decomposition component from training.
type componentStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

func newComponentStats(values []float64) componentStats {
	return componentStats{
		Mean: mean(values),
		Std:  stdDev(values),
		Min:  minOf(values),
		Max:  maxOf(values),
	}
}

// decompositionState carries the trained component statistics and the
// rolling window for one sensor key.
type decompositionState struct {
	trend       componentStats
	seasonal    componentStats
	residual    componentStats
	overallMean float64
	overallStd  float64
	window      *window
	total       int
}

// decompositionSnapshot is the serialized form of decompositionState.
type decompositionSnapshot struct {
	Trend       componentStats `json:"trend"`
	Seasonal    componentStats `json:"seasonal"`
	Residual    componentStats `json:"residual"`
	OverallMean float64        `json:"overall_mean"`
	OverallStd  float64        `json:"overall_std"`
	Window      []float64      `json:"window"`
	Total       int            `json:"total"`
}

// DecompositionDetector separates a series into trend, seasonal, and residual
// components and scores readings against the trained component statistics.
// It is the strategy of choice for sensors with a clear daily cycle.
type DecompositionDetector struct {
	mu     sync.Mutex
	cfg    DecompositionConfig
	states map[string]*decompositionState
}

// NewDecompositionDetector creates a decomposition detector.
func NewDecompositionDetector(cfg DecompositionConfig) *DecompositionDetector {
	if cfg.Period <= 0 {
		cfg = DefaultDecompositionConfig()
	}
	return &DecompositionDetector{
		cfg:    cfg,
		states: make(map[string]*decompositionState),
	}
}

func (d *DecompositionDetector) Name() string { return StrategyDecomposition }

func (d *DecompositionDetector) MinTrainingData() int { return d.cfg.MinTrainingData }

// Fit decomposes the training series and stores per-component statistics.
// It requires both the configured minimum and at least SeasonalPeriods full
// periods of data.
func (d *DecompositionDetector) Fit(sensorKey string, values []float64) (bool, error) {
	if err := validateSeries(values); err != nil {
		return false, fmt.Errorf("decomposition fit %s: %w", sensorKey, err)
	}
	if len(values) < d.cfg.MinTrainingData {
		return false, nil
	}
	if len(values) < d.cfg.Period*d.cfg.SeasonalPeriods {
		return false, nil
	}

	trend, seasonal, residual, err := decompose(values, d.cfg.Period)
	if err != nil {
		return false, fmt.Errorf("decomposition fit %s: %w", sensorKey, err)
	}

	st := &decompositionState{
		trend:       newComponentStats(trend),
		seasonal:    newComponentStats(seasonal),
		residual:    newComponentStats(residual),
		overallMean: mean(values),
		overallStd:  stdDev(values),
		window:      newWindow(d.cfg.Period * 2),
		total:       len(values),
	}
	st.window.fill(tailOf(values, d.cfg.Period))

	d.mu.Lock()
	d.states[sensorKey] = st
	d.mu.Unlock()
	return true, nil
}

// Predict pushes the reading into the rolling window, re-decomposes it, and
// evaluates the components against the trained statistics.
func (d *DecompositionDetector) Predict(sensorKey string, value float64) models.Prediction {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[sensorKey]
	if !ok {
		return Fallback("model not trained")
	}

	st.window.push(value)
	st.total++

	category, confidence, score, details := d.analyze(st, value)
	return models.Prediction{
		Category:     category,
		Confidence:   confidence,
		AnomalyScore: score,
		Details:      details,
	}
}

// analyze walks the component checks in fixed order: residual outliers,
// then trend drift, then seasonal deviation.
func (d *DecompositionDetector) analyze(st *decompositionState, value float64) (models.Category, float64, float64, map[string]interface{}) {
	details := map[string]interface{}{
		"value":        value,
		"overall_mean": st.overallMean,
		"overall_std":  st.overallStd,
	}

	if st.window.len() < d.cfg.Period {
		return models.CategoryNormal, 0.5, 0, details
	}

	trend, seasonal, residual, err := decompose(st.window.values(), d.cfg.Period)
	if err != nil {
		details["decompose_error"] = err.Error()
		return models.CategoryNormal, 0.3, 0, details
	}

	rt := d.cfg.ResidualThreshold
	lastResidual := residual[len(residual)-1]
	residualZ := math.Abs(lastResidual-st.residual.Mean) / math.Max(st.residual.Std, 1e-6)
	details["residual"] = lastResidual
	details["residual_z_score"] = residualZ

	if residualZ > rt*2 {
		return models.CategoryAlert, 0.9, math.Min(residualZ/(rt*2), 1.0), details
	}
	if residualZ > rt {
		return models.CategoryNoise, 0.7, math.Min(residualZ/rt, 1.0), details
	}

	if len(trend) >= 10 {
		slope := linearSlope(trend[len(trend)-10:])
		trendChange := math.Abs(slope) / math.Max(math.Abs(mean(trend)), 1e-6)
		details["trend_slope"] = slope
		details["trend_change"] = trendChange
		if trendChange > d.cfg.TrendThreshold {
			return models.CategoryDrift, 0.6, math.Min(trendChange/d.cfg.TrendThreshold, 1.0), details
		}
	}

	if len(seasonal) >= d.cfg.Period {
		lastSeasonal := seasonal[len(seasonal)-1]
		seasonalZ := math.Abs(lastSeasonal-st.seasonal.Mean) / math.Max(st.seasonal.Std, 1e-6)
		details["seasonal"] = lastSeasonal
		details["seasonal_z_score"] = seasonalZ
		if seasonalZ > rt {
			return models.CategoryNoise, 0.5, math.Min(seasonalZ/rt, 1.0), details
		}
	}

	return models.CategoryNormal, 0.8, 0, details
}

func (d *DecompositionDetector) Trained(sensorKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.states[sensorKey]
	return ok
}

func (d *DecompositionDetector) Remove(sensorKey string) {
	d.mu.Lock()
	delete(d.states, sensorKey)
	d.mu.Unlock()
}

func (d *DecompositionDetector) Snapshot(sensorKey string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[sensorKey]
	if !ok {
		return nil, fmt.Errorf("no model for sensor %s", sensorKey)
	}
	return json.Marshal(decompositionSnapshot{
		Trend:       st.trend,
		Seasonal:    st.seasonal,
		Residual:    st.residual,
		OverallMean: st.overallMean,
		OverallStd:  st.overallStd,
		Window:      st.window.values(),
		Total:       st.total,
	})
}

func (d *DecompositionDetector) Restore(sensorKey string, data []byte) error {
	var snap decompositionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode decomposition snapshot: %w", err)
	}

	st := &decompositionState{
		trend:       snap.Trend,
		seasonal:    snap.Seasonal,
		residual:    snap.Residual,
		overallMean: snap.OverallMean,
		overallStd:  snap.OverallStd,
		window:      newWindow(d.cfg.Period * 2),
		total:       snap.Total,
	}
	st.window.fill(snap.Window)

	d.mu.Lock()
	d.states[sensorKey] = st
	d.mu.Unlock()
	return nil
}

// ─── Decomposition ────────────────────────────────────────────────────────────

// decompose splits a series into additive trend, seasonal, and residual
// components. It needs at least two full periods of data.
func decompose(values []float64, period int) (trend, seasonal, residual []float64, err error) {
	n := len(values)
	if period < 2 {
		return nil, nil, nil, fmt.Errorf("period must be at least 2, got %d", period)
	}
	if n < period*2 {
		return nil, nil, nil, fmt.Errorf("need %d values for decomposition, have %d", period*2, n)
	}

	// Trend from a centered moving average, clamped at the series edges.
	half := period / 2
	trend = make([]float64, n)
	for i := 0; i < n; i++ {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > n-1 {
			hi = n - 1
		}
		trend[i] = mean(values[lo : hi+1])
	}

	// Seasonal component from per-phase means of the detrended series,
	// centered so it sums to zero over one period.
	phaseSums := make([]float64, period)
	phaseCounts := make([]int, period)
	for i, v := range values {
		phase := i % period
		phaseSums[phase] += v - trend[i]
		phaseCounts[phase]++
	}

	phaseMeans := make([]float64, period)
	phaseBar := 0.0
	for p := range phaseMeans {
		if phaseCounts[p] > 0 {
			phaseMeans[p] = phaseSums[p] / float64(phaseCounts[p])
		}
		phaseBar += phaseMeans[p]
	}
	phaseBar /= float64(period)

	seasonal = make([]float64, n)
	residual = make([]float64, n)
	for i, v := range values {
		seasonal[i] = phaseMeans[i%period] - phaseBar
		residual[i] = v - trend[i] - seasonal[i]
	}
	return trend, seasonal, residual, nil
}
