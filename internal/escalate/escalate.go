package escalate

import (
	"context"
	"time"

	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/store"
)

// Package escalate runs the severity-driven action ladder for detected
// anomalies.
//
// Responsibilities:
//   - Map anomaly severity to its ordered action ladder
//   - Execute ladder actions in order, isolating per-action failures
//   - Enrich notifications with a best-effort narrative
//   - Persist each dispatched anomaly, retaining records in memory when
//     the store is unavailable
//   - Keep a bounded history of dispatches for introspection
//
// Ladders by severity:
//
//	low      →  log
//	medium   →  log, alert
//	high     →  log, alert, escalate
//	critical →  log, alert, escalate, emergency
//
// A failing action never stops the ladder. A critical anomaly runs all
// four actions even when the alert webhook is down.

// Action is one rung of an escalation ladder.
type Action string

const (
	ActionLog       Action = "log"
	ActionAlert     Action = "alert"
	ActionEscalate  Action = "escalate"
	ActionEmergency Action = "emergency"
)

// Ladder returns the ordered actions for a severity. Unknown severities
// fall back to the log-only ladder.
func Ladder(s models.Severity) []Action {
	switch s {
	case models.SeverityCritical:
		return []Action{ActionLog, ActionAlert, ActionEscalate, ActionEmergency}
	case models.SeverityHigh:
		return []Action{ActionLog, ActionAlert, ActionEscalate}
	case models.SeverityMedium:
		return []Action{ActionLog, ActionAlert}
	default:
		return []Action{ActionLog}
	}
}

// ActionResult records one executed ladder action.
type ActionResult struct {
	Action   Action
	Err      error
	Duration time.Duration
}

// Entry records one dispatched anomaly and its executed ladder.
type Entry struct {
	Anomaly       *models.Anomaly
	Narrative     string
	CorrelationID string
	Actions       []ActionResult
	DispatchedAt  time.Time
}

// Dispatcher persists anomalies and executes their escalation ladders.
type Dispatcher interface {
	// Dispatch persists the anomaly and runs its severity ladder.
	// The returned entry lists every action in execution order.
	Dispatch(ctx context.Context, a *models.Anomaly) *Entry

	// History returns recent dispatches, newest first, up to limit.
	// limit <= 0 returns the full retained history.
	History(limit int) []*Entry

	// Unpersisted returns anomaly records whose store write failed,
	// oldest first.
	Unpersisted() []*store.AnomalyRecord
}

// Config bounds the dispatcher's in-memory buffers.
type Config struct {
	HistoryLimit int
}

const (
	DefaultHistoryLimit = 100

	maxUnpersistedRetained = 100
)
