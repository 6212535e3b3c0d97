package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/airsonde/airsonde/internal/config"
	"github.com/airsonde/airsonde/internal/models"
)

// ruleEngine flags readings that cross fixed per-field threshold tiers.
// The highest crossed tier wins: severe outranks critical outranks warning.
type ruleEngine struct {
	mu         sync.RWMutex
	thresholds map[string]config.RuleThreshold
}

func newRuleEngine(thresholds map[string]config.RuleThreshold) *ruleEngine {
	e := &ruleEngine{}
	e.Set(thresholds)
	return e
}

// Set replaces the thresholds. Fields without an entry are not evaluated.
func (e *ruleEngine) Set(thresholds map[string]config.RuleThreshold) {
	copied := make(map[string]config.RuleThreshold, len(thresholds))
	for field, t := range thresholds {
		copied[field] = t
	}
	e.mu.Lock()
	e.thresholds = copied
	e.mu.Unlock()
}

// Evaluate returns one anomaly per sensor field that crosses a tier,
// in wire field order.
func (e *ruleEngine) Evaluate(r models.Reading) []*models.Anomaly {
	e.mu.RLock()
	thresholds := e.thresholds
	e.mu.RUnlock()

	var out []*models.Anomaly
	now := time.Now().UTC()
	for _, field := range models.SensorFields {
		t, ok := thresholds[field]
		if !ok {
			continue
		}
		v, _ := r.Value(field)

		var tier string
		var cutoff float64
		var severity models.Severity
		switch {
		case v >= t.Severe:
			tier, cutoff, severity = "severe", t.Severe, models.SeverityCritical
		case v >= t.Critical:
			tier, cutoff, severity = "critical", t.Critical, models.SeverityHigh
		case v >= t.Warning:
			tier, cutoff, severity = "warning", t.Warning, models.SeverityMedium
		default:
			continue
		}

		out = append(out, &models.Anomaly{
			DeviceID:    r.DeviceID,
			SensorType:  field,
			AnomalyType: models.AnomalyTypeThreshold,
			Severity:    severity,
			Reason:      fmt.Sprintf("%s reading %.2f exceeds %s threshold %.2f", field, v, tier, cutoff),
			Value:       v,
			Threshold:   cutoff,
			Source:      models.SourceRule,
			Reading:     r,
			DetectedAt:  now,
		})
	}
	return out
}
