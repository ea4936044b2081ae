package keystore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/monitor"
)

// Priority placement in the selection ordering tuple.
const (
	PriorityOff    = "off"
	PriorityBefore = "before"
	PriorityAfter  = "after"
)

// Policy is the key selection policy: which credentials are eligible and
// in what order ties are broken.
type Policy struct {
	// PriorityOrder is one of PriorityOff, PriorityBefore, PriorityAfter.
	PriorityOrder string

	// ReserveFor, when positive, soft-reserves the selected key by pushing
	// reserved_until into the future inside the selection transaction.
	ReserveFor time.Duration

	// MaxDailyRequests, when positive, excludes keys already at the
	// request ceiling from selection.
	MaxDailyRequests int64
}

// PolicyFromConfig builds a Policy from the typed configuration.
func PolicyFromConfig(sel config.SelectionConfig, quota config.QuotaConfig) Policy {
	return Policy{
		PriorityOrder:    sel.PriorityOrder,
		ReserveFor:       sel.ReserveFor,
		MaxDailyRequests: quota.MaxDailyRequests,
	}
}

// Eligible reports whether the credential may be handed out at instant now.
func (p Policy) Eligible(c Credential, now time.Time) bool {
	if c.QuotaExhausted {
		return false
	}
	if !c.RotationEnabled {
		return false
	}
	if c.DisabledUntil != nil && c.DisabledUntil.After(now) {
		return false
	}
	if c.ReservedUntil != nil && c.ReservedUntil.After(now) {
		return false
	}
	if p.MaxDailyRequests > 0 && c.DailyRequestCount >= p.MaxDailyRequests {
		return false
	}
	return true
}

// Less orders credentials by the selection tuple. Never-used keys sort
// before any used key, and key_name is the stable final tie-break so
// selection is reproducible.
func (p Policy) Less(a, b Credential) bool {
	if p.PriorityOrder == PriorityBefore && a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.DailyRequestCount != b.DailyRequestCount {
		return a.DailyRequestCount < b.DailyRequestCount
	}
	if a.DailyTokenTotal != b.DailyTokenTotal {
		return a.DailyTokenTotal < b.DailyTokenTotal
	}
	if !equalLastUsed(a.LastUsed, b.LastUsed) {
		return lastUsedBefore(a.LastUsed, b.LastUsed)
	}
	if p.PriorityOrder == PriorityAfter && a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.KeyName < b.KeyName
}

func equalLastUsed(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func lastUsedBefore(a, b *time.Time) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

// Pick filters creds to the eligible set and returns the best candidate.
// It is a pure function of its inputs: no reservation, no side effects.
// Returns ErrExhausted when no credential is eligible.
func (p Policy) Pick(creds []Credential, now time.Time) (Credential, error) {
	eligible := make([]Credential, 0, len(creds))
	for _, c := range creds {
		if p.Eligible(c, now) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return Credential{}, ErrExhausted
	}

	sort.Slice(eligible, func(i, j int) bool {
		return p.Less(eligible[i], eligible[j])
	})
	return eligible[0], nil
}

// CredentialReader is the read surface the selector needs from the store.
type CredentialReader interface {
	ListCredentials(ctx context.Context) ([]Credential, error)
	Acquire(ctx context.Context, policy Policy) (Credential, error)
}

// Selector picks one usable credential from the pool.
type Selector struct {
	store   CredentialReader
	policy  Policy
	metrics *monitor.Metrics
}

// NewSelector creates a Selector. metrics may be nil.
func NewSelector(store CredentialReader, policy Policy, metrics *monitor.Metrics) *Selector {
	return &Selector{store: store, policy: policy, metrics: metrics}
}

// Select returns the next usable credential. With reservation configured
// it is a locking read that marks the key in-flight; otherwise it is a
// plain snapshot read and two concurrent callers may receive the same key
// until one records usage.
func (s *Selector) Select(ctx context.Context) (Credential, error) {
	var (
		cred Credential
		err  error
	)
	if s.policy.ReserveFor > 0 {
		cred, err = s.store.Acquire(ctx, s.policy)
	} else {
		var creds []Credential
		creds, err = s.store.ListCredentials(ctx)
		if err == nil {
			cred, err = s.policy.Pick(creds, time.Now())
		}
	}

	switch {
	case err == nil:
		s.record("selected")
		log.Debug().
			Str("key_name", cred.KeyName).
			Int64("daily_request_count", cred.DailyRequestCount).
			Msg("selected API key")
		return cred, nil
	case errors.Is(err, ErrExhausted):
		s.record("exhausted")
		return Credential{}, ErrExhausted
	default:
		s.record("error")
		return Credential{}, err
	}
}

func (s *Selector) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSelection(outcome)
	}
}
