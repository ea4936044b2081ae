package keystore

import (
	"context"

	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/monitor"
)

// ResetStore is the bulk-reset surface the resetter needs from the store.
type ResetStore interface {
	ResetAll(ctx context.Context) (int64, error)
}

// Resetter zeroes daily counters and clears exhaustion/disable flags
// across the pool. Runs on an external daily schedule.
type Resetter struct {
	store   ResetStore
	metrics *monitor.Metrics
}

// NewResetter creates a Resetter. metrics may be nil.
func NewResetter(store ResetStore, metrics *monitor.Metrics) *Resetter {
	return &Resetter{store: store, metrics: metrics}
}

// ResetAll performs the bulk reset and returns the number of rows
// affected. The store applies it as one statement, so a mid-run
// connectivity drop cannot leave the pool half reset.
func (r *Resetter) ResetAll(ctx context.Context) (int64, error) {
	rows, err := r.store.ResetAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("quota reset failed")
		return 0, err
	}

	if r.metrics != nil {
		r.metrics.RecordReset(rows)
	}
	log.Info().Int64("keys", rows).Msg("daily quotas reset")
	return rows, nil
}
