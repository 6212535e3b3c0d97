package detect

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/airsonde/airsonde/internal/models"
)

func testSequenceConfig() SequenceConfig {
	return SequenceConfig{
		SequenceLength:      8,
		HiddenUnits:         4,
		LearningRate:        0.05,
		Epochs:              30,
		ThresholdMultiplier: 2.0,
		ValidationSplit:     0.2,
		EarlyStopPatience:   5,
		MinTrainingData:     40,
	}
}

// smoothSeries is a short-period oscillation the regressor can track.
func smoothSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 10 + 2*math.Sin(2*math.Pi*float64(i)/8)
	}
	return out
}

func TestSequenceDetector_FitInsufficientData(t *testing.T) {
	d := NewSequenceDetector(testSequenceConfig())
	ok, err := d.Fit("s_vibration", smoothSeries(20))
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	if ok {
		t.Error("Fit should reject series below the minimum length")
	}
	if d.Trained("s_vibration") {
		t.Error("No model should be registered after a failed fit")
	}
}

func TestSequenceDetector_FitRequiresEnoughSequences(t *testing.T) {
	// Long enough overall but too few sliding windows.
	d := NewSequenceDetector(SequenceConfig{
		SequenceLength:      15,
		HiddenUnits:         4,
		LearningRate:        0.05,
		Epochs:              10,
		ThresholdMultiplier: 2.0,
		ValidationSplit:     0.2,
		EarlyStopPatience:   5,
		MinTrainingData:     20,
	})
	ok, err := d.Fit("s_vibration", smoothSeries(20))
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	if ok {
		t.Error("Fit should require at least ten training sequences")
	}
}

func TestSequenceDetector_UntrainedFallback(t *testing.T) {
	d := NewSequenceDetector(testSequenceConfig())
	pred := d.Predict("s_vibration", 1.0)
	if pred.Category != models.CategoryNormal || pred.Confidence != 0.1 {
		t.Errorf("Expected normal/0.1 fallback, got %s/%.2f", pred.Category, pred.Confidence)
	}
	if fallback, _ := pred.Details["fallback"].(bool); !fallback {
		t.Error("Fallback prediction should carry the fallback marker")
	}
}

func TestSequenceDetector_ExtremeOutlierIsAlert(t *testing.T) {
	d := NewSequenceDetector(testSequenceConfig())
	if ok, err := d.Fit("s_vibration", smoothSeries(60)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	pred := d.Predict("s_vibration", 10000)
	if pred.Category != models.CategoryAlert {
		t.Errorf("Expected alert, got %s (details %v)", pred.Category, pred.Details)
	}
	if pred.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %.2f", pred.Confidence)
	}
	if pred.AnomalyScore != 1.0 {
		t.Errorf("Expected saturated score, got %.4f", pred.AnomalyScore)
	}
	if _, ok := pred.Details["predicted"]; !ok {
		t.Error("Prediction should report the forecast value")
	}
}

func TestSequenceDetector_DeterministicRetraining(t *testing.T) {
	values := smoothSeries(60)

	a := NewSequenceDetector(testSequenceConfig())
	if ok, err := a.Fit("s_vibration", values); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}
	b := NewSequenceDetector(testSequenceConfig())
	if ok, err := b.Fit("s_vibration", values); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	pa := a.Predict("s_vibration", 11.5)
	pb := b.Predict("s_vibration", 11.5)
	if pa.Category != pb.Category {
		t.Errorf("Category diverged between identical fits: %s vs %s", pa.Category, pb.Category)
	}
	if pa.AnomalyScore != pb.AnomalyScore {
		t.Errorf("Score diverged between identical fits: %v vs %v", pa.AnomalyScore, pb.AnomalyScore)
	}
	if pa.Details["predicted"] != pb.Details["predicted"] {
		t.Errorf("Forecast diverged between identical fits: %v vs %v",
			pa.Details["predicted"], pb.Details["predicted"])
	}
}

func TestSequenceDetector_ShortWindowFallsBack(t *testing.T) {
	d := NewSequenceDetector(testSequenceConfig())

	net := newRecurrentNet(4, rand.New(rand.NewSource(1)))
	snap, err := json.Marshal(sequenceSnapshot{
		Net:       net,
		Scale:     scaler{Min: 0, Range: 20},
		Threshold: 1.0,
		Window:    []float64{10, 11, 12},
		Total:     60,
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := d.Restore("s_vibration", snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !d.Trained("s_vibration") {
		t.Fatal("Restored detector should report the sensor as trained")
	}

	pred := d.Predict("s_vibration", 10.5)
	if fallback, _ := pred.Details["fallback"].(bool); !fallback {
		t.Error("Prediction with a short history buffer should fall back")
	}
}

func TestSequenceDetector_SnapshotRestore(t *testing.T) {
	d := NewSequenceDetector(testSequenceConfig())
	if ok, err := d.Fit("s_vibration", smoothSeries(60)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	snap, err := d.Snapshot("s_vibration")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := NewSequenceDetector(testSequenceConfig())
	if err := restored.Restore("s_vibration", snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	pa := d.Predict("s_vibration", 12.7)
	pb := restored.Predict("s_vibration", 12.7)
	if pa.Category != pb.Category || pa.Confidence != pb.Confidence {
		t.Errorf("Prediction diverged after restore: %s/%.2f vs %s/%.2f",
			pa.Category, pa.Confidence, pb.Category, pb.Confidence)
	}
	if pa.AnomalyScore != pb.AnomalyScore {
		t.Errorf("Score diverged after restore: %v vs %v", pa.AnomalyScore, pb.AnomalyScore)
	}
}

func TestSequenceDetector_RestoreRejectsMissingNet(t *testing.T) {
	d := NewSequenceDetector(testSequenceConfig())
	snap, err := json.Marshal(sequenceSnapshot{Threshold: 1, Window: []float64{1, 2, 3}})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := d.Restore("s_vibration", snap); err == nil {
		t.Error("Restore should reject a snapshot without network weights")
	}
	if err := d.Restore("s_vibration", []byte("{not json")); err == nil {
		t.Error("Restore should reject malformed data")
	}
}

func TestClassifySequenceError_Ladder(t *testing.T) {
	cases := []struct {
		err        float64
		category   models.Category
		confidence float64
	}{
		{0.3, models.CategoryNormal, 0.8},
		{0.6, models.CategoryDrift, 0.5},
		{1.5, models.CategoryNoise, 0.7},
		{2.0, models.CategoryNoise, 0.7},
		{2.1, models.CategoryAlert, 0.9},
	}
	for _, tc := range cases {
		category, confidence := classifySequenceError(tc.err, 1.0)
		if category != tc.category || confidence != tc.confidence {
			t.Errorf("err=%.1f: got %s/%.2f, want %s/%.2f",
				tc.err, category, confidence, tc.category, tc.confidence)
		}
	}
}

func TestRecurrentNet_LearnsSinglePair(t *testing.T) {
	net := newRecurrentNet(4, rand.New(rand.NewSource(1)))
	seq := []float64{0.2, 0.4, 0.6}

	initial := net.step(seq, 0.8, 0.05)
	var final float64
	for i := 0; i < 500; i++ {
		final = net.step(seq, 0.8, 0.05)
	}
	if final >= initial {
		t.Errorf("Training error did not decrease: %.6f -> %.6f", initial, final)
	}
	if final > 0.01 {
		t.Errorf("Training error should approach zero on a single pair, got %.6f", final)
	}
}

func TestRecurrentNet_CloneIsIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	net := newRecurrentNet(3, rng)
	c := net.clone()

	seq := []float64{0.1, 0.5}
	before := c.forward(seq, nil)
	net.step(seq, 0.9, 0.1)
	after := c.forward(seq, nil)
	if before != after {
		t.Error("Mutating the original network should not change its clone")
	}
}
