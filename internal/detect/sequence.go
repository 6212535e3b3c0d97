package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/airsonde/airsonde/internal/models"
)

// SequenceConfig tunes the sequence-model detector.
type SequenceConfig struct {
	SequenceLength      int
	HiddenUnits         int
	LearningRate        float64
	Epochs              int
	ThresholdMultiplier float64
	ValidationSplit     float64
	EarlyStopPatience   int
	MinTrainingData     int
}

// DefaultSequenceConfig returns the standard tuning.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		SequenceLength:      50,
		HiddenUnits:         8,
		LearningRate:        0.01,
		Epochs:              50,
		ThresholdMultiplier: 2.0,
		ValidationSplit:     0.2,
		EarlyStopPatience:   10,
		MinTrainingData:     200,
	}
}

// sequenceState carries the trained regressor, scaler, classification
// threshold, and rolling sequence buffer for one sensor key.
type sequenceState struct {
	net       *recurrentNet
	scale     scaler
	threshold float64
	window    *window
	total     int
}

// sequenceSnapshot is the serialized form of sequenceState.
type sequenceSnapshot struct {
	Net       *recurrentNet `json:"net"`
	Scale     scaler        `json:"scale"`
	Threshold float64       `json:"threshold"`
	Window    []float64     `json:"window"`
	Total     int           `json:"total"`
}

// SequenceDetector learns to predict the next value from a fixed-length
// window of past values and classifies readings by prediction error. It
// handles sensors whose behavior is too nonlinear for the other strategies.
type SequenceDetector struct {
	mu     sync.Mutex
	cfg    SequenceConfig
	states map[string]*sequenceState
}

// NewSequenceDetector creates a sequence-model detector.
func NewSequenceDetector(cfg SequenceConfig) *SequenceDetector {
	if cfg.SequenceLength <= 0 {
		cfg = DefaultSequenceConfig()
	}
	return &SequenceDetector{
		cfg:    cfg,
		states: make(map[string]*sequenceState),
	}
}

func (d *SequenceDetector) Name() string { return StrategySequence }

func (d *SequenceDetector) MinTrainingData() int { return d.cfg.MinTrainingData }

// Fit trains the regressor on sliding windows of the series with a held-out
// validation split and early stopping, then derives the classification
// threshold from the distribution of absolute prediction errors.
func (d *SequenceDetector) Fit(sensorKey string, values []float64) (bool, error) {
	if err := validateSeries(values); err != nil {
		return false, fmt.Errorf("sequence fit %s: %w", sensorKey, err)
	}
	if len(values) < d.cfg.MinTrainingData {
		return false, nil
	}

	seqLen := d.cfg.SequenceLength
	sc := fitScaler(values)
	scaled := make([]float64, len(values))
	for i, v := range values {
		scaled[i] = sc.transform(v)
	}

	type pair struct {
		seq    []float64
		target float64
	}
	var pairs []pair
	for i := 0; i+seqLen < len(scaled); i++ {
		pairs = append(pairs, pair{seq: scaled[i : i+seqLen], target: scaled[i+seqLen]})
	}
	if len(pairs) < 10 {
		return false, nil
	}

	trainN := int(float64(len(pairs)) * (1 - d.cfg.ValidationSplit))
	if trainN < 1 {
		trainN = 1
	}
	train, val := pairs[:trainN], pairs[trainN:]

	// A fixed seed keeps retraining deterministic for identical inputs.
	rng := rand.New(rand.NewSource(1))
	net := newRecurrentNet(d.cfg.HiddenUnits, rng)

	best := net.clone()
	bestLoss := math.Inf(1)
	patience := 0
	for epoch := 0; epoch < d.cfg.Epochs; epoch++ {
		for _, p := range train {
			net.step(p.seq, p.target, d.cfg.LearningRate)
		}

		valLoss := 0.0
		for _, p := range val {
			diff := net.forward(p.seq, nil) - p.target
			valLoss += diff * diff
		}
		if len(val) > 0 {
			valLoss /= float64(len(val))
		}

		if valLoss < bestLoss {
			bestLoss = valLoss
			best = net.clone()
			patience = 0
		} else {
			patience++
			if patience >= d.cfg.EarlyStopPatience {
				break
			}
		}
	}
	net = best

	errs := make([]float64, len(pairs))
	for i, p := range pairs {
		predicted := sc.inverse(net.forward(p.seq, nil))
		errs[i] = math.Abs(sc.inverse(p.target) - predicted)
	}
	threshold := mean(errs) + d.cfg.ThresholdMultiplier*stdDev(errs)

	st := &sequenceState{
		net:       net,
		scale:     sc,
		threshold: threshold,
		window:    newWindow(seqLen),
		total:     len(values),
	}
	st.window.fill(tailOf(values, seqLen))

	d.mu.Lock()
	d.states[sensorKey] = st
	d.mu.Unlock()
	return true, nil
}

// Predict extends the rolling sequence buffer with the reading, forecasts
// from the buffer, and classifies by the absolute prediction error.
func (d *SequenceDetector) Predict(sensorKey string, value float64) models.Prediction {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[sensorKey]
	if !ok {
		return Fallback("model not trained")
	}

	st.window.push(value)
	st.total++
	if st.window.len() < d.cfg.SequenceLength {
		return Fallback("insufficient recent data")
	}

	seq := make([]float64, 0, d.cfg.SequenceLength)
	for _, v := range st.window.values() {
		seq = append(seq, st.scale.transform(v))
	}
	predicted := st.scale.inverse(st.net.forward(seq, nil))

	errAbs := math.Abs(value - predicted)
	errRatio := errAbs / math.Max(math.Abs(predicted), 1e-6)

	details := map[string]interface{}{
		"actual":      value,
		"predicted":   predicted,
		"error":       errAbs,
		"threshold":   st.threshold,
		"error_ratio": errRatio,
	}

	category, confidence := classifySequenceError(errAbs, st.threshold)
	score := 1.0
	if st.threshold > 0 {
		score = math.Min(errAbs/st.threshold, 1.0)
	} else if errAbs == 0 {
		score = 0
	}

	return models.Prediction{
		Category:     category,
		Confidence:   confidence,
		AnomalyScore: score,
		Details:      details,
	}
}

func classifySequenceError(err, threshold float64) (models.Category, float64) {
	switch {
	case err > threshold*2:
		return models.CategoryAlert, 0.9
	case err > threshold:
		return models.CategoryNoise, 0.7
	case err > threshold*0.5:
		return models.CategoryDrift, 0.5
	default:
		return models.CategoryNormal, 0.8
	}
}

func (d *SequenceDetector) Trained(sensorKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.states[sensorKey]
	return ok
}

func (d *SequenceDetector) Remove(sensorKey string) {
	d.mu.Lock()
	delete(d.states, sensorKey)
	d.mu.Unlock()
}

func (d *SequenceDetector) Snapshot(sensorKey string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[sensorKey]
	if !ok {
		return nil, fmt.Errorf("no model for sensor %s", sensorKey)
	}
	return json.Marshal(sequenceSnapshot{
		Net:       st.net,
		Scale:     st.scale,
		Threshold: st.threshold,
		Window:    st.window.values(),
		Total:     st.total,
	})
}

func (d *SequenceDetector) Restore(sensorKey string, data []byte) error {
	var snap sequenceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode sequence snapshot: %w", err)
	}
	if snap.Net == nil || snap.Net.Hidden == 0 {
		return fmt.Errorf("sequence snapshot missing network weights")
	}

	st := &sequenceState{
		net:       snap.Net,
		scale:     snap.Scale,
		threshold: snap.Threshold,
		window:    newWindow(d.cfg.SequenceLength),
		total:     snap.Total,
	}
	st.window.fill(snap.Window)

	d.mu.Lock()
	d.states[sensorKey] = st
	d.mu.Unlock()
	return nil
}

// ─── Recurrent regressor ──────────────────────────────────────────────────────

// scaler performs min-max normalization fitted on the training series.
type scaler struct {
	Min   float64 `json:"min"`
	Range float64 `json:"range"`
}

func fitScaler(values []float64) scaler {
	s := scaler{Min: minOf(values)}
	s.Range = maxOf(values) - s.Min
	if s.Range < 1e-9 {
		s.Range = 1
	}
	return s
}

func (s scaler) transform(v float64) float64 { return (v - s.Min) / s.Range }
func (s scaler) inverse(v float64) float64   { return v*s.Range + s.Min }

// recurrentNet is a single-layer recurrent regressor predicting the next
// scaled sample from a fixed-length input sequence.
type recurrentNet struct {
	Hidden int         `json:"hidden"`
	Wx     []float64   `json:"wx"`
	Wh     [][]float64 `json:"wh"`
	Bh     []float64   `json:"bh"`
	Wo     []float64   `json:"wo"`
	Bo     float64     `json:"bo"`
}

func newRecurrentNet(hidden int, rng *rand.Rand) *recurrentNet {
	if hidden < 1 {
		hidden = 1
	}
	scale := 1.0 / math.Sqrt(float64(hidden))
	net := &recurrentNet{
		Hidden: hidden,
		Wx:     make([]float64, hidden),
		Wh:     make([][]float64, hidden),
		Bh:     make([]float64, hidden),
		Wo:     make([]float64, hidden),
	}
	for j := 0; j < hidden; j++ {
		net.Wx[j] = (rng.Float64()*2 - 1) * scale
		net.Wo[j] = (rng.Float64()*2 - 1) * scale
		net.Wh[j] = make([]float64, hidden)
		for k := 0; k < hidden; k++ {
			net.Wh[j][k] = (rng.Float64()*2 - 1) * scale
		}
	}
	return net
}

// forward runs the sequence through the network and returns the predicted
// next sample. When states is non-nil it receives the hidden state before
// and after every step for backpropagation.
func (n *recurrentNet) forward(seq []float64, states *[][]float64) float64 {
	h := make([]float64, n.Hidden)
	if states != nil {
		*states = append(*states, append([]float64(nil), h...))
	}
	for _, x := range seq {
		next := make([]float64, n.Hidden)
		for j := 0; j < n.Hidden; j++ {
			sum := n.Bh[j] + n.Wx[j]*x
			for k := 0; k < n.Hidden; k++ {
				sum += n.Wh[j][k] * h[k]
			}
			next[j] = math.Tanh(sum)
		}
		h = next
		if states != nil {
			*states = append(*states, h)
		}
	}

	y := n.Bo
	for j := 0; j < n.Hidden; j++ {
		y += n.Wo[j] * h[j]
	}
	return y
}

// step applies one stochastic gradient update for a training pair via
// backpropagation through time and returns the squared error before the
// update.
func (n *recurrentNet) step(seq []float64, target, lr float64) float64 {
	var states [][]float64
	y := n.forward(seq, &states)
	dy := y - target

	dWx := make([]float64, n.Hidden)
	dBh := make([]float64, n.Hidden)
	dWo := make([]float64, n.Hidden)
	dWh := make([][]float64, n.Hidden)
	for j := range dWh {
		dWh[j] = make([]float64, n.Hidden)
	}

	last := states[len(states)-1]
	dh := make([]float64, n.Hidden)
	for j := 0; j < n.Hidden; j++ {
		dWo[j] = dy * last[j]
		dh[j] = dy * n.Wo[j]
	}
	dBo := dy

	for t := len(seq); t >= 1; t-- {
		ht := states[t]
		hprev := states[t-1]
		dpre := make([]float64, n.Hidden)
		for j := 0; j < n.Hidden; j++ {
			dpre[j] = dh[j] * (1 - ht[j]*ht[j])
			dWx[j] += dpre[j] * seq[t-1]
			dBh[j] += dpre[j]
			for k := 0; k < n.Hidden; k++ {
				dWh[j][k] += dpre[j] * hprev[k]
			}
		}
		next := make([]float64, n.Hidden)
		for k := 0; k < n.Hidden; k++ {
			for j := 0; j < n.Hidden; j++ {
				next[k] += n.Wh[j][k] * dpre[j]
			}
		}
		dh = next
	}

	for j := 0; j < n.Hidden; j++ {
		n.Wx[j] -= lr * clipGradient(dWx[j])
		n.Bh[j] -= lr * clipGradient(dBh[j])
		n.Wo[j] -= lr * clipGradient(dWo[j])
		for k := 0; k < n.Hidden; k++ {
			n.Wh[j][k] -= lr * clipGradient(dWh[j][k])
		}
	}
	n.Bo -= lr * clipGradient(dBo)

	return dy * dy
}

// clipGradient bounds a gradient to keep long-sequence updates stable.
func clipGradient(g float64) float64 {
	const limit = 1.0
	if g > limit {
		return limit
	}
	if g < -limit {
		return -limit
	}
	return g
}

func (n *recurrentNet) clone() *recurrentNet {
	c := &recurrentNet{
		Hidden: n.Hidden,
		Wx:     append([]float64(nil), n.Wx...),
		Bh:     append([]float64(nil), n.Bh...),
		Wo:     append([]float64(nil), n.Wo...),
		Bo:     n.Bo,
		Wh:     make([][]float64, len(n.Wh)),
	}
	for j := range n.Wh {
		c.Wh[j] = append([]float64(nil), n.Wh[j]...)
	}
	return c
}
