package keystore

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/monitor"
	"agent-key-broker/internal/notify"
)

// UsageStore is the write surface the recorder needs from the store.
type UsageStore interface {
	RecordUsage(ctx context.Context, upd UsageUpdate, maxRequests, maxTokens int64) (UsageResult, error)
}

// Recorder persists usage after each completed external-CLI invocation and
// flips the exhausted flag when a configured ceiling is crossed.
type Recorder struct {
	store    UsageStore
	quota    config.QuotaConfig
	notifier notify.Notifier
	metrics  *monitor.Metrics
}

// NewRecorder creates a Recorder. It fails fast when no ceiling is
// configured: a guessed default could under- or over-restrict the pool.
func NewRecorder(store UsageStore, quota config.QuotaConfig, notifier notify.Notifier, metrics *monitor.Metrics) (*Recorder, error) {
	if quota.MaxDailyRequests <= 0 && quota.MaxDailyTokens <= 0 {
		return nil, ErrMissingCeiling
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Recorder{store: store, quota: quota, notifier: notifier, metrics: metrics}, nil
}

// Record charges one request and tokens against the credential. The store
// applies the whole update atomically; Record retries transient failures
// with backoff and, if the update still cannot land, logs a reconciliation
// gap and returns the error. The caller's task result is delivered either
// way — a gap is an accounting problem, not a task failure.
func (r *Recorder) Record(ctx context.Context, upd UsageUpdate) error {
	const maxRetries = 3

	var (
		res UsageResult
		err error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err = r.store.RecordUsage(ctx, upd, r.quota.MaxDailyRequests, r.quota.MaxDailyTokens)
		if err == nil {
			break
		}
		if !IsInfra(err) || attempt == maxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		log.Warn().
			Err(err).
			Str("key_name", upd.KeyName).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("usage update failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = maxRetries
		}
	}

	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordReconciliationGap()
		}
		log.Error().
			Err(err).
			Str("key_name", upd.KeyName).
			Str("task_id", upd.TaskID).
			Int64("tokens", upd.Tokens).
			Msg("reconciliation gap: usage not recorded")
		r.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Message: "usage update failed; pool counters under-count this call",
			KeyName: upd.KeyName,
			TaskID:  upd.TaskID,
		})
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordUsage(upd.Tokens, res.Exhausted)
	}
	log.Info().
		Str("key_name", upd.KeyName).
		Int64("tokens", upd.Tokens).
		Int64("daily_request_count", res.DailyRequestCount).
		Int64("daily_token_total", res.DailyTokenTotal).
		Msg("recorded usage")

	if res.Exhausted {
		log.Warn().Str("key_name", upd.KeyName).Msg("key crossed quota ceiling, marked exhausted")
		r.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Message: "API key exhausted its daily quota",
			KeyName: upd.KeyName,
		})
	}
	return nil
}
