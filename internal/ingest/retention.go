package ingest

import (
	"sync"

	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/store"
)

// retention holds the bounded in-memory rings backing the pipeline's
// introspection APIs: the newest validated readings, and readings whose
// store write failed.
type retention struct {
	mu          sync.Mutex
	recent      []models.Reading
	unpersisted []*store.ReadingRecord
}

// remember appends a validated reading to the recent ring.
func (rt *retention) remember(r models.Reading) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.recent = append(rt.recent, r)
	if len(rt.recent) > maxRecentReadings {
		rt.recent = rt.recent[len(rt.recent)-maxRecentReadings:]
	}
}

// retainUnpersisted keeps a reading whose insert failed. The oldest entry
// is dropped once the ring is full.
func (rt *retention) retainUnpersisted(rec *store.ReadingRecord) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.unpersisted = append(rt.unpersisted, rec)
	if len(rt.unpersisted) > maxUnpersistedReadings {
		rt.unpersisted = rt.unpersisted[1:]
	}
	metrics.FallbackRetained.WithLabelValues("readings").Set(float64(len(rt.unpersisted)))
}

// Recent returns retained readings, newest first, up to limit.
func (rt *retention) Recent(limit int) []models.Reading {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := len(rt.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Reading, n)
	for i := 0; i < n; i++ {
		out[i] = rt.recent[len(rt.recent)-1-i]
	}
	return out
}

// Unpersisted returns readings whose store write failed, oldest first.
func (rt *retention) Unpersisted() []*store.ReadingRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*store.ReadingRecord, len(rt.unpersisted))
	copy(out, rt.unpersisted)
	return out
}
