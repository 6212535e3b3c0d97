package detect

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
)

// Config tunes orchestrator-level behavior. Strategy-level tuning lives in
// the per-strategy config structs.
type Config struct {
	DefaultStrategy    string
	AutoSelect         bool
	MinDataForAdvanced int
	ConfidenceFloor    float64
	Ensemble           bool
	EnsembleWeights    map[string]float64

	Statistical   StatisticalConfig
	Decomposition DecompositionConfig
	Sequence      SequenceConfig
}

// DefaultConfig returns the standard orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:    StrategyStatistical,
		AutoSelect:         true,
		MinDataForAdvanced: 200,
		ConfidenceFloor:    0.5,
		Ensemble:           false,
		EnsembleWeights: map[string]float64{
			StrategyStatistical:   0.3,
			StrategyDecomposition: 0.4,
			StrategySequence:      0.3,
		},
		Statistical:   DefaultStatisticalConfig(),
		Decomposition: DefaultDecompositionConfig(),
		Sequence:      DefaultSequenceConfig(),
	}
}

// assignment records which strategy serves a sensor key.
type assignment struct {
	strategy      string
	trainedAt     time.Time
	readingsCount int
}

// ModelSnapshot is a serialized trained model with its assignment record.
type ModelSnapshot struct {
	SensorKey     string          `json:"sensor_key"`
	Strategy      string          `json:"strategy"`
	TrainedAt     time.Time       `json:"trained_at"`
	ReadingsCount int             `json:"readings_count"`
	State         json.RawMessage `json:"state"`
}

// orchestratorImpl is the concrete Orchestrator.
type orchestratorImpl struct {
	mu         sync.RWMutex
	cfg        Config
	strategies map[string]Strategy
	order      []string
	assigned   map[string]*assignment
}

// NewOrchestrator creates an orchestrator backed by all three strategy
// families.
func NewOrchestrator(cfg Config) Orchestrator {
	if cfg.DefaultStrategy == "" {
		cfg = DefaultConfig()
	}
	return &orchestratorImpl{
		cfg: cfg,
		strategies: map[string]Strategy{
			StrategyStatistical:   NewStatisticalDetector(cfg.Statistical),
			StrategyDecomposition: NewDecompositionDetector(cfg.Decomposition),
			StrategySequence:      NewSequenceDetector(cfg.Sequence),
		},
		order:    []string{StrategyStatistical, StrategyDecomposition, StrategySequence},
		assigned: make(map[string]*assignment),
	}
}

// Fit picks a strategy for the sensor and delegates training to it. On
// success the assignment is recorded so Predict routes to the same strategy.
func (o *orchestratorImpl) Fit(sensorKey string, values []float64) (string, bool, error) {
	if len(values) == 0 {
		return "", false, fmt.Errorf("no readings for sensor %s", sensorKey)
	}

	name := o.cfg.DefaultStrategy
	if o.cfg.AutoSelect {
		name = o.selectStrategy(values)
	}
	strat, ok := o.strategies[name]
	if !ok {
		return "", false, fmt.Errorf("unknown strategy %q", name)
	}

	trained, err := safeFit(strat, sensorKey, values)
	if err != nil || !trained {
		return name, false, err
	}

	o.mu.Lock()
	o.assigned[sensorKey] = &assignment{
		strategy:      name,
		trainedAt:     time.Now().UTC(),
		readingsCount: len(values),
	}
	o.mu.Unlock()
	return name, true, nil
}

func (o *orchestratorImpl) Predict(sensorKey string, value float64) models.Prediction {
	if o.cfg.Ensemble {
		pred := o.predictEnsemble(sensorKey, value)
		metrics.PredictionsTotal.WithLabelValues("ensemble", string(pred.Category)).Inc()
		return pred
	}
	pred := o.predictSingle(sensorKey, value)
	strategy, ok := o.StrategyFor(sensorKey)
	if !ok {
		strategy = "none"
	}
	metrics.PredictionsTotal.WithLabelValues(strategy, string(pred.Category)).Inc()
	return pred
}

func (o *orchestratorImpl) predictSingle(sensorKey string, value float64) models.Prediction {
	o.mu.RLock()
	rec, ok := o.assigned[sensorKey]
	o.mu.RUnlock()
	if !ok {
		return Fallback("no trained model")
	}

	strat, found := o.strategies[rec.strategy]
	if !found {
		return Fallback(fmt.Sprintf("unknown strategy %q", rec.strategy))
	}

	return o.applyFloor(safePredict(strat, sensorKey, value))
}

// applyFloor coerces predictions too weak to act on. The anomaly score and
// strategy details stay for diagnostics.
func (o *orchestratorImpl) applyFloor(pred models.Prediction) models.Prediction {
	if pred.Confidence >= o.cfg.ConfidenceFloor {
		return pred
	}
	pred.Category = models.CategoryNormal
	pred.Confidence = 0.1
	if pred.Details == nil {
		pred.Details = map[string]interface{}{}
	}
	pred.Details["low_confidence"] = true
	return pred
}

// predictEnsemble fuses weighted votes from every strategy trained for the
// key. With no trained member it falls back to single-strategy predict.
func (o *orchestratorImpl) predictEnsemble(sensorKey string, value float64) models.Prediction {
	type vote struct {
		name   string
		weight float64
		pred   models.Prediction
	}

	var votes []vote
	for _, name := range o.order {
		weight, ok := o.cfg.EnsembleWeights[name]
		if !ok {
			weight = 0.1
		}
		if weight <= 0 {
			continue
		}
		strat := o.strategies[name]
		if !strat.Trained(sensorKey) {
			continue
		}
		votes = append(votes, vote{name: name, weight: weight, pred: safePredict(strat, sensorKey, value)})
	}
	if len(votes) == 0 {
		return o.predictSingle(sensorKey, value)
	}

	voteWeights := make(map[models.Category]float64)
	var catOrder []models.Category
	var totalConfidence, totalScore, totalWeight float64
	members := make(map[string]interface{}, len(votes))

	for _, v := range votes {
		if _, seen := voteWeights[v.pred.Category]; !seen {
			catOrder = append(catOrder, v.pred.Category)
		}
		voteWeights[v.pred.Category] += v.weight
		totalConfidence += v.pred.Confidence * v.weight
		totalScore += v.pred.AnomalyScore * v.weight
		totalWeight += v.weight
		members[v.name] = map[string]interface{}{
			"category":      v.pred.Category,
			"confidence":    v.pred.Confidence,
			"anomaly_score": v.pred.AnomalyScore,
		}
	}

	// Highest summed weight wins; ties keep the first category seen in
	// strategy order.
	best := catOrder[0]
	for _, c := range catOrder[1:] {
		if voteWeights[c] > voteWeights[best] {
			best = c
		}
	}

	return o.applyFloor(models.Prediction{
		Category:     best,
		Confidence:   totalConfidence / totalWeight,
		AnomalyScore: totalScore / totalWeight,
		Details: map[string]interface{}{
			"ensemble": true,
			"members":  members,
		},
	})
}

func (o *orchestratorImpl) Trained(sensorKey string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.assigned[sensorKey]
	return ok
}

func (o *orchestratorImpl) StrategyFor(sensorKey string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.assigned[sensorKey]
	if !ok {
		return "", false
	}
	return rec.strategy, true
}

func (o *orchestratorImpl) Sensors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.assigned))
	for k := range o.assigned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o *orchestratorImpl) Remove(sensorKey string) {
	o.mu.Lock()
	rec, ok := o.assigned[sensorKey]
	delete(o.assigned, sensorKey)
	o.mu.Unlock()

	if ok {
		if strat, found := o.strategies[rec.strategy]; found {
			strat.Remove(sensorKey)
		}
	}
}

func (o *orchestratorImpl) Snapshot(sensorKey string) (*ModelSnapshot, error) {
	o.mu.RLock()
	rec, ok := o.assigned[sensorKey]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no trained model for sensor %s", sensorKey)
	}

	strat, found := o.strategies[rec.strategy]
	if !found {
		return nil, fmt.Errorf("unknown strategy %q", rec.strategy)
	}
	state, err := strat.Snapshot(sensorKey)
	if err != nil {
		return nil, err
	}

	return &ModelSnapshot{
		SensorKey:     sensorKey,
		Strategy:      rec.strategy,
		TrainedAt:     rec.trainedAt,
		ReadingsCount: rec.readingsCount,
		State:         state,
	}, nil
}

func (o *orchestratorImpl) Restore(snap *ModelSnapshot) error {
	strat, ok := o.strategies[snap.Strategy]
	if !ok {
		return fmt.Errorf("unknown strategy %q", snap.Strategy)
	}
	if err := strat.Restore(snap.SensorKey, snap.State); err != nil {
		return err
	}

	o.mu.Lock()
	o.assigned[snap.SensorKey] = &assignment{
		strategy:      snap.Strategy,
		trainedAt:     snap.TrainedAt,
		readingsCount: snap.ReadingsCount,
	}
	o.mu.Unlock()
	return nil
}

// ─── Selection heuristics ─────────────────────────────────────────────────────

// selectStrategy picks a strategy from measured data characteristics.
// Short histories always fall back to the statistical baseline.
func (o *orchestratorImpl) selectStrategy(values []float64) string {
	if len(values) < o.cfg.MinDataForAdvanced {
		return StrategyStatistical
	}
	if hasSeasonality(values) && len(values) >= 100 {
		return StrategyDecomposition
	}
	if hasComplexPatterns(values) && len(values) >= 200 {
		return StrategySequence
	}
	return StrategyStatistical
}

// hasSeasonality checks for significant autocorrelation at fixed lags.
func hasSeasonality(values []float64) bool {
	if len(values) < 50 {
		return false
	}
	acf := autocorrelation(values, 20)
	for _, lag := range []int{5, 10, 20} {
		if lag < len(acf) && acf[lag] > 0.3 {
			return true
		}
	}
	return false
}

// hasComplexPatterns flags series whose variance dominates the squared mean.
func hasComplexPatterns(values []float64) bool {
	m := mean(values)
	sd := stdDev(values)
	return sd*sd > 0.1*m*m
}
