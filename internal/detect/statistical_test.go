package detect

import (
	"math"
	"testing"

	"github.com/airsonde/airsonde/internal/models"
)

// cyclicSeries repeats the cycle [9, 10, 11]: mean 10, population std ~0.8165.
func cyclicSeries(n int) []float64 {
	cycle := []float64{9, 10, 11}
	out := make([]float64, n)
	for i := range out {
		out[i] = cycle[i%3]
	}
	return out
}

func TestStatisticalDetector_FitInsufficientData(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())

	ok, err := d.Fit("esp32-01_pm2_5", []float64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Fit error: %v", err)
	}
	if ok {
		t.Error("Fit should reject fewer than the minimum readings")
	}
	if d.Trained("esp32-01_pm2_5") {
		t.Error("No model should be registered after a failed fit")
	}

	pred := d.Predict("esp32-01_pm2_5", 42)
	if pred.Category != models.CategoryNormal {
		t.Errorf("Expected normal fallback, got %s", pred.Category)
	}
	if pred.Confidence != 0.1 {
		t.Errorf("Expected fallback confidence 0.1, got %.2f", pred.Confidence)
	}
	if fallback, _ := pred.Details["fallback"].(bool); !fallback {
		t.Error("Fallback prediction should carry the fallback marker")
	}
}

func TestStatisticalDetector_FitRejectsNonFiniteValues(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())

	values := cyclicSeries(20)
	values[7] = math.NaN()
	ok, err := d.Fit("esp32-01_pm2_5", values)
	if ok {
		t.Error("Fit should fail on non-finite values")
	}
	if err == nil {
		t.Error("Fit should report non-finite values as an error")
	}

	ok, err = d.Fit("esp32-01_pm2_5", nil)
	if ok || err == nil {
		t.Error("Fit should fail on an empty series")
	}
}

func TestStatisticalDetector_ZeroVarianceNeverAlerts(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())

	constant := make([]float64, 20)
	for i := range constant {
		constant[i] = 10
	}
	if ok, err := d.Fit("s_pm2_5", constant); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	pred := d.Predict("s_pm2_5", 10)
	if pred.AnomalyScore != 0 {
		t.Errorf("Zero-variance score should be 0, got %.4f", pred.AnomalyScore)
	}
	if pred.Category != models.CategoryNormal {
		t.Errorf("Expected normal, got %s", pred.Category)
	}

	// A wild value against a zero-variance baseline has no usable z-score.
	d2 := NewStatisticalDetector(DefaultStatisticalConfig())
	if ok, err := d2.Fit("s_pm2_5", constant); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}
	pred = d2.Predict("s_pm2_5", 99)
	if pred.AnomalyScore != 0 {
		t.Errorf("Zero-variance score should be 0, got %.4f", pred.AnomalyScore)
	}
	if pred.Category == models.CategoryAlert {
		t.Error("Zero-variance baseline must never produce an alert")
	}
}

func TestStatisticalDetector_ExtremeOutlierIsAlert(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())
	if ok, err := d.Fit("s_pm10", cyclicSeries(30)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	// z = |20-10|/0.8165 ~ 12.2, well past twice the threshold.
	pred := d.Predict("s_pm10", 20)
	if pred.Category != models.CategoryAlert {
		t.Errorf("Expected alert, got %s", pred.Category)
	}
	if pred.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %.2f", pred.Confidence)
	}
	if pred.AnomalyScore != 1.0 {
		t.Errorf("Expected saturated anomaly score, got %.4f", pred.AnomalyScore)
	}
}

func TestStatisticalDetector_ModerateOutlierIsNoise(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())
	if ok, err := d.Fit("s_pm10", cyclicSeries(30)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	// z ~ 4.0: above the threshold but below twice the threshold.
	pred := d.Predict("s_pm10", 10+4*0.8165)
	if pred.Category != models.CategoryNoise {
		t.Errorf("Expected noise, got %s", pred.Category)
	}
	if pred.Confidence != 0.7 {
		t.Errorf("Expected confidence 0.7, got %.2f", pred.Confidence)
	}
}

func TestStatisticalDetector_DriftDetection(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())

	// A level shift in the training tail: 40 readings at 100, then 10 at 115.
	values := make([]float64, 50)
	for i := range values {
		if i < 40 {
			values[i] = 100
		} else {
			values[i] = 115
		}
	}
	if ok, err := d.Fit("s_dBA", values); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	// z = 12/6 = 2.0 stays under the z threshold; the recent-10 mean has
	// moved more than 10% from the window mean.
	pred := d.Predict("s_dBA", 115)
	if pred.Category != models.CategoryDrift {
		t.Errorf("Expected drift, got %s", pred.Category)
	}
	if pred.Confidence != 0.6 {
		t.Errorf("Expected confidence 0.6, got %.2f", pred.Confidence)
	}
	if _, ok := pred.Details["drift_ratio"]; !ok {
		t.Error("Drift prediction should report the drift ratio")
	}
}

func TestStatisticalDetector_VarianceInflationIsNoise(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())

	// Mostly flat with a short oscillating tail. The next oscillation keeps
	// z under the threshold and the rolling mean stable, but the recent-5
	// deviation exceeds the window deviation.
	values := make([]float64, 50)
	for i := range values {
		values[i] = 100
	}
	copy(values[44:], []float64{103, 97, 103, 97, 103, 97})
	if ok, err := d.Fit("s_vibration", values); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	pred := d.Predict("s_vibration", 103)
	if pred.Category != models.CategoryNoise {
		t.Errorf("Expected noise, got %s", pred.Category)
	}
	if pred.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %.2f", pred.Confidence)
	}
	if _, ok := pred.Details["noise_std"]; !ok {
		t.Error("Variance-inflation prediction should report the recent std")
	}
}

func TestStatisticalDetector_NormalReading(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())
	if ok, err := d.Fit("s_pm2_5", cyclicSeries(30)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	pred := d.Predict("s_pm2_5", 10)
	if pred.Category != models.CategoryNormal {
		t.Errorf("Expected normal, got %s", pred.Category)
	}
	if pred.Confidence != 0.8 {
		t.Errorf("Expected confidence 0.8, got %.2f", pred.Confidence)
	}
}

// classificationRank orders categories as the z ladder escalates them.
func classificationRank(c models.Category) int {
	switch c {
	case models.CategoryAlert:
		return 3
	case models.CategoryNoise:
		return 2
	case models.CategoryDrift:
		return 1
	default:
		return 0
	}
}

func TestStatisticalDetector_SeverityMonotoneInZ(t *testing.T) {
	const std = 0.8165
	zs := []float64{0, 1, 2, 2.5, 3.5, 5, 6.5, 8}

	prevRank := 0
	for _, z := range zs {
		d := NewStatisticalDetector(DefaultStatisticalConfig())
		if ok, err := d.Fit("s_pm2_5", cyclicSeries(30)); !ok || err != nil {
			t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
		}
		pred := d.Predict("s_pm2_5", 10+z*std)
		rank := classificationRank(pred.Category)
		if rank < prevRank {
			t.Errorf("Severity regressed at z=%.1f: %s", z, pred.Category)
		}
		prevRank = rank
	}
}

func TestStatisticalDetector_AnomalyScoreMonotoneInZ(t *testing.T) {
	const std = 0.8165
	prevScore := -1.0
	for _, z := range []float64{0, 0.5, 1, 1.5, 2, 2.5, 3} {
		d := NewStatisticalDetector(DefaultStatisticalConfig())
		if ok, err := d.Fit("s_pm2_5", cyclicSeries(30)); !ok || err != nil {
			t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
		}
		pred := d.Predict("s_pm2_5", 10+z*std)
		if pred.AnomalyScore < prevScore {
			t.Errorf("Anomaly score regressed at z=%.1f: %.4f < %.4f", z, pred.AnomalyScore, prevScore)
		}
		prevScore = pred.AnomalyScore
	}
}

func TestStatisticalDetector_SnapshotRestore(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())
	if ok, err := d.Fit("s_pm2_5", cyclicSeries(30)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	snap, err := d.Snapshot("s_pm2_5")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := NewStatisticalDetector(DefaultStatisticalConfig())
	if err := restored.Restore("s_pm2_5", snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored.Trained("s_pm2_5") {
		t.Fatal("Restored detector should report the sensor as trained")
	}

	a := d.Predict("s_pm2_5", 12.5)
	b := restored.Predict("s_pm2_5", 12.5)
	if a.Category != b.Category {
		t.Errorf("Category diverged after restore: %s vs %s", a.Category, b.Category)
	}
	if math.Abs(a.Confidence-b.Confidence) > 1e-12 {
		t.Errorf("Confidence diverged after restore: %.6f vs %.6f", a.Confidence, b.Confidence)
	}
	if math.Abs(a.AnomalyScore-b.AnomalyScore) > 1e-12 {
		t.Errorf("Anomaly score diverged after restore: %.6f vs %.6f", a.AnomalyScore, b.AnomalyScore)
	}
}

func TestStatisticalDetector_Remove(t *testing.T) {
	d := NewStatisticalDetector(DefaultStatisticalConfig())
	if ok, err := d.Fit("s_pm2_5", cyclicSeries(30)); !ok || err != nil {
		t.Fatalf("Fit failed: ok=%v err=%v", ok, err)
	}

	d.Remove("s_pm2_5")
	if d.Trained("s_pm2_5") {
		t.Error("Model should be gone after Remove")
	}
	if _, err := d.Snapshot("s_pm2_5"); err == nil {
		t.Error("Snapshot of a removed model should fail")
	}
}
