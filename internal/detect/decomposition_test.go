package detect

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/airsonde/airsonde/internal/models"
)

// dailyCycle produces base + amplitude*sin(2*pi*i/period) starting at sample
// offset, which mimics an hourly sensor with a clean daily rhythm.
func dailyCycle(base, amplitude float64, period, offset, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + amplitude*math.Sin(2*math.Pi*float64(i+offset)/float64(period))
	}
	return out
}

func testDecompositionConfig() DecompositionConfig {
	return DecompositionConfig{
		Period:            12,
		SeasonalPeriods:   2,
		ResidualThreshold: 2.0,
		TrendThreshold:    0.1,
		MinTrainingData:   48,
	}
}

func TestDecompositionDetector_FitInsufficientData(t *testing.T) {
	d := NewDecompositionDetector(DefaultDecompositionConfig())
	ok, err := d.Fit("s_pm2_5", dailyCycle(100, 10, 24, 0, 99))
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	if ok {
		t.Error("Fit should reject series below the minimum length")
	}

	// Enough readings overall but not enough full periods.
	short := NewDecompositionDetector(DecompositionConfig{
		Period:            30,
		SeasonalPeriods:   2,
		ResidualThreshold: 2.0,
		TrendThreshold:    0.1,
		MinTrainingData:   50,
	})
	ok, err = short.Fit("s_pm2_5", dailyCycle(100, 10, 30, 0, 55))
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	if ok {
		t.Error("Fit should require at least two full periods")
	}
	if short.Trained("s_pm2_5") {
		t.Error("No model should be registered after a failed fit")
	}
}

func TestDecompositionDetector_UntrainedFallback(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())
	pred := d.Predict("s_pm2_5", 42)
	if pred.Category != models.CategoryNormal || pred.Confidence != 0.1 {
		t.Errorf("Expected normal/0.1 fallback, got %s/%.2f", pred.Category, pred.Confidence)
	}
	if fallback, _ := pred.Details["fallback"].(bool); !fallback {
		t.Error("Fallback prediction should carry the fallback marker")
	}
}

func TestDecompositionDetector_LowConfidenceUntilWindowRefills(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())
	if ok, err := d.Fit("s_pm2_5", dailyCycle(100, 10, 12, 0, 96)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	// The rolling window starts with one period of history, so the first
	// predictions cannot be re-decomposed yet.
	next := dailyCycle(100, 10, 12, 96, 1)[0]
	pred := d.Predict("s_pm2_5", next)
	if pred.Category != models.CategoryNormal {
		t.Errorf("Expected normal during warmup, got %s", pred.Category)
	}
	if pred.Confidence != 0.3 {
		t.Errorf("Expected confidence 0.3 during warmup, got %.2f", pred.Confidence)
	}
	if pred.AnomalyScore != 0 {
		t.Errorf("Expected score 0 during warmup, got %.4f", pred.AnomalyScore)
	}
	if _, ok := pred.Details["decompose_error"]; !ok {
		t.Error("Warmup prediction should report the decompose error")
	}
}

func TestDecompositionDetector_ResidualSpikeIsAlert(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())
	if ok, err := d.Fit("s_pm2_5", dailyCycle(100, 10, 12, 0, 96)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	// Feed the natural continuation until the window holds two full periods.
	continuation := dailyCycle(100, 10, 12, 96, 11)
	for _, v := range continuation {
		d.Predict("s_pm2_5", v)
	}

	// A reading far off the cycle leaves a residual many deviations out.
	pred := d.Predict("s_pm2_5", 250)
	if pred.Category != models.CategoryAlert {
		t.Errorf("Expected alert, got %s (details %v)", pred.Category, pred.Details)
	}
	if pred.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %.2f", pred.Confidence)
	}
	if pred.AnomalyScore != 1.0 {
		t.Errorf("Expected saturated score, got %.4f", pred.AnomalyScore)
	}
}

func TestDecompositionDetector_TrendRampIsDrift(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())

	// A steep ramp crossing zero: the re-decomposed trend slope dwarfs the
	// trend level. Wide trained residual bounds keep the residual gate quiet.
	win := newWindow(24)
	for i := 0; i < 24; i++ {
		win.push(20*float64(i) - 230)
	}
	d.states["s_dBA"] = &decompositionState{
		trend:       componentStats{Mean: 0, Std: 1},
		seasonal:    componentStats{Mean: 0, Std: 1e6},
		residual:    componentStats{Mean: 0, Std: 1e6},
		overallMean: 0,
		overallStd:  100,
		window:      win,
		total:       24,
	}

	pred := d.Predict("s_dBA", 250)
	if pred.Category != models.CategoryDrift {
		t.Errorf("Expected drift, got %s (details %v)", pred.Category, pred.Details)
	}
	if pred.Confidence != 0.6 {
		t.Errorf("Expected confidence 0.6, got %.2f", pred.Confidence)
	}
	if _, ok := pred.Details["trend_change"]; !ok {
		t.Error("Drift prediction should report the trend change")
	}
}

func TestDecompositionDetector_SeasonalShiftIsNoise(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())

	// The window carries a strong cycle the trained model never saw: the
	// trained seasonal spread is tiny, so the current seasonal component
	// lands far outside it. Wide residual bounds keep the earlier gate quiet
	// and the high base keeps the trend ratio negligible.
	win := newWindow(24)
	for _, v := range dailyCycle(1000, 10, 12, 3, 24) {
		win.push(v)
	}
	d.states["s_pm10"] = &decompositionState{
		trend:       componentStats{Mean: 1000, Std: 1},
		seasonal:    componentStats{Mean: 0, Std: 0.001},
		residual:    componentStats{Mean: 0, Std: 1e6},
		overallMean: 1000,
		overallStd:  7,
		window:      win,
		total:       24,
	}

	peak := dailyCycle(1000, 10, 12, 27, 1)[0]
	pred := d.Predict("s_pm10", peak)
	if pred.Category != models.CategoryNoise {
		t.Errorf("Expected noise, got %s (details %v)", pred.Category, pred.Details)
	}
	if pred.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %.2f", pred.Confidence)
	}
	if _, ok := pred.Details["seasonal_z_score"]; !ok {
		t.Error("Seasonal prediction should report the seasonal z-score")
	}
}

func TestDecompositionDetector_WarmupWindowBelowOnePeriod(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())

	snap, err := json.Marshal(decompositionSnapshot{
		Trend:       componentStats{Mean: 100},
		Seasonal:    componentStats{Mean: 0, Std: 1},
		Residual:    componentStats{Mean: 0, Std: 1},
		OverallMean: 100,
		OverallStd:  5,
		Window:      []float64{99, 100, 101},
		Total:       200,
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := d.Restore("s_pm2_5", snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	pred := d.Predict("s_pm2_5", 100)
	if pred.Category != models.CategoryNormal || pred.Confidence != 0.5 {
		t.Errorf("Expected normal/0.5 below one period of history, got %s/%.2f", pred.Category, pred.Confidence)
	}
	if pred.AnomalyScore != 0 {
		t.Errorf("Expected score 0, got %.4f", pred.AnomalyScore)
	}
}

func TestDecompositionDetector_SnapshotRestore(t *testing.T) {
	d := NewDecompositionDetector(testDecompositionConfig())
	if ok, err := d.Fit("s_pm2_5", dailyCycle(100, 10, 12, 0, 96)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	snap, err := d.Snapshot("s_pm2_5")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := NewDecompositionDetector(testDecompositionConfig())
	if err := restored.Restore("s_pm2_5", snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored.Trained("s_pm2_5") {
		t.Fatal("Restored detector should report the sensor as trained")
	}

	a := d.Predict("s_pm2_5", 137)
	b := restored.Predict("s_pm2_5", 137)
	if a.Category != b.Category || math.Abs(a.Confidence-b.Confidence) > 1e-12 {
		t.Errorf("Prediction diverged after restore: %s/%.4f vs %s/%.4f",
			a.Category, a.Confidence, b.Category, b.Confidence)
	}
	if math.Abs(a.AnomalyScore-b.AnomalyScore) > 1e-12 {
		t.Errorf("Anomaly score diverged after restore: %.6f vs %.6f", a.AnomalyScore, b.AnomalyScore)
	}
}

func TestDecompose_AdditiveIdentity(t *testing.T) {
	values := dailyCycle(100, 10, 12, 0, 48)
	trend, seasonal, residual, err := decompose(values, 12)
	if err != nil {
		t.Fatalf("decompose failed: %v", err)
	}
	if len(trend) != 48 || len(seasonal) != 48 || len(residual) != 48 {
		t.Fatalf("component lengths %d/%d/%d, want 48", len(trend), len(seasonal), len(residual))
	}
	for i := range values {
		sum := trend[i] + seasonal[i] + residual[i]
		if math.Abs(sum-values[i]) > 1e-9 {
			t.Fatalf("components do not reconstruct value at %d: %.9f vs %.9f", i, sum, values[i])
		}
	}
}

func TestDecompose_InputValidation(t *testing.T) {
	if _, _, _, err := decompose(make([]float64, 48), 1); err == nil {
		t.Error("decompose should reject periods below 2")
	}
	if _, _, _, err := decompose(make([]float64, 20), 12); err == nil {
		t.Error("decompose should reject series shorter than two periods")
	}
}
