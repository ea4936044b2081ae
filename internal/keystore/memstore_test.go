package keystore

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory stand-in for Store with the same transactional
// semantics: usage updates are atomic read-modify-writes, acquire locks
// out the chosen row, resets are all-or-nothing.
type memStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
	usage []UsageUpdate

	failRecord int // fail the next N RecordUsage calls with an infra error
}

func newMemStore(creds ...Credential) *memStore {
	m := &memStore{creds: make(map[string]*Credential)}
	for i := range creds {
		c := creds[i]
		m.creds[c.KeyName] = &c
	}
	return m
}

func (m *memStore) ListCredentials(ctx context.Context) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Credential, 0, len(m.creds))
	for _, c := range m.creds {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) Acquire(ctx context.Context, policy Policy) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	creds := make([]Credential, 0, len(m.creds))
	for _, c := range m.creds {
		creds = append(creds, *c)
	}
	best, err := policy.Pick(creds, now)
	if err != nil {
		return Credential{}, err
	}
	if policy.ReserveFor > 0 {
		until := now.Add(policy.ReserveFor)
		m.creds[best.KeyName].ReservedUntil = &until
	}
	return best, nil
}

func (m *memStore) RecordUsage(ctx context.Context, upd UsageUpdate, maxRequests, maxTokens int64) (UsageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failRecord > 0 {
		m.failRecord--
		return UsageResult{}, infraErr("update", context.DeadlineExceeded)
	}

	c, ok := m.creds[upd.KeyName]
	if !ok {
		return UsageResult{}, ErrUnknownKey
	}

	c.DailyRequestCount++
	c.DailyTokenTotal += upd.Tokens
	now := time.Now()
	c.LastUsed = &now
	c.ReservedUntil = nil
	if (maxRequests > 0 && c.DailyRequestCount >= maxRequests) ||
		(maxTokens > 0 && c.DailyTokenTotal >= maxTokens) {
		c.QuotaExhausted = true
	}
	m.usage = append(m.usage, upd)

	return UsageResult{
		DailyRequestCount: c.DailyRequestCount,
		DailyTokenTotal:   c.DailyTokenTotal,
		Exhausted:         c.QuotaExhausted,
	}, nil
}

func (m *memStore) ResetAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		c.DailyRequestCount = 0
		c.DailyTokenTotal = 0
		c.QuotaExhausted = false
		c.DisabledUntil = nil
		c.ReservedUntil = nil
	}
	return int64(len(m.creds)), nil
}

func (m *memStore) get(name string) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.creds[name]
}

func timePtr(t time.Time) *time.Time { return &t }
