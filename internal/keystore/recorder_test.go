package keystore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agent-key-broker/internal/config"
)

func TestNewRecorderRequiresCeiling(t *testing.T) {
	_, err := NewRecorder(newMemStore(), config.QuotaConfig{}, nil, nil)
	if !errors.Is(err, ErrMissingCeiling) {
		t.Errorf("NewRecorder with no ceilings: err = %v, want ErrMissingCeiling", err)
	}

	if _, err := NewRecorder(newMemStore(), config.QuotaConfig{MaxDailyTokens: 1000}, nil, nil); err != nil {
		t.Errorf("NewRecorder with token ceiling: %v", err)
	}
}

func TestRecordIncrementsCounters(t *testing.T) {
	store := newMemStore(eligibleKey("k1", 0, 0))
	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 250, TaskID: "t1", RequestType: "interactive"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := store.get("k1")
	if got.DailyRequestCount != 1 {
		t.Errorf("DailyRequestCount = %d, want 1", got.DailyRequestCount)
	}
	if got.DailyTokenTotal != 250 {
		t.Errorf("DailyTokenTotal = %d, want 250", got.DailyTokenTotal)
	}
	if got.LastUsed == nil {
		t.Error("LastUsed not set")
	}
	if got.QuotaExhausted {
		t.Error("QuotaExhausted = true, want false well below ceiling")
	}
}

func TestRecordCeilingCrossing(t *testing.T) {
	// A key at count 99 receiving one more recorded usage crosses a
	// ceiling of 100 and transitions to exhausted.
	store := newMemStore(eligibleKey("k1", 99, 0))
	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 10}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !store.get("k1").QuotaExhausted {
		t.Error("QuotaExhausted = false, want true after crossing request ceiling")
	}
}

func TestRecordTokenCeilingCrossing(t *testing.T) {
	store := newMemStore(eligibleKey("k1", 1, 990))
	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyTokens: 1000}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 10}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !store.get("k1").QuotaExhausted {
		t.Error("QuotaExhausted = false, want true after crossing token ceiling")
	}
}

func TestRecordClearsReservation(t *testing.T) {
	store := newMemStore(eligibleKey("k1", 0, 0))
	sel := NewSelector(store, Policy{ReserveFor: time.Minute}, nil)
	if _, err := sel.Select(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 1}); err != nil {
		t.Fatal(err)
	}
	if d := store.get("k1").ReservedUntil; d != nil {
		t.Errorf("ReservedUntil = %v, want nil after usage recorded", d)
	}
}

func TestRecordKeepsOperatorDisable(t *testing.T) {
	// Releasing the in-flight reservation must not revive a key an
	// operator soft-disabled: only reserved_until is cleared on record.
	until := time.Now().Add(24 * time.Hour)
	key := eligibleKey("k1", 0, 0)
	key.DisabledUntil = &until
	reserved := time.Now().Add(time.Minute)
	key.ReservedUntil = &reserved
	store := newMemStore(key)

	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 1}); err != nil {
		t.Fatal(err)
	}

	got := store.get("k1")
	if got.ReservedUntil != nil {
		t.Errorf("ReservedUntil = %v, want nil after usage recorded", got.ReservedUntil)
	}
	if got.DisabledUntil == nil || !got.DisabledUntil.Equal(until) {
		t.Errorf("DisabledUntil = %v, want %v untouched by usage recording", got.DisabledUntil, until)
	}
}

func TestRecordConcurrentNoLostUpdates(t *testing.T) {
	const n = 50
	const tokens = 7

	store := newMemStore(eligibleKey("k1", 0, 0))
	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: n * 2}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: tokens}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	got := store.get("k1")
	if got.DailyRequestCount != n {
		t.Errorf("DailyRequestCount = %d, want %d (lost updates)", got.DailyRequestCount, n)
	}
	if got.DailyTokenTotal != n*tokens {
		t.Errorf("DailyTokenTotal = %d, want %d", got.DailyTokenTotal, n*tokens)
	}
}

func TestRecordReconciliationGap(t *testing.T) {
	store := newMemStore(eligibleKey("k1", 0, 0))
	store.failRecord = 10 // more than the retry budget

	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 5})
	if err == nil {
		t.Fatal("Record: want error after exhausting retries")
	}
	if !IsInfra(err) {
		t.Errorf("err = %v, want infrastructure error", err)
	}
	// Usage under-counted, not corrupted.
	if got := store.get("k1").DailyRequestCount; got != 0 {
		t.Errorf("DailyRequestCount = %d, want 0", got)
	}
}

func TestRecordRetriesTransientFailure(t *testing.T) {
	store := newMemStore(eligibleKey("k1", 0, 0))
	store.failRecord = 2 // fails twice, then succeeds within the retry budget

	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := rec.Record(context.Background(), UsageUpdate{KeyName: "k1", Tokens: 5}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := store.get("k1").DailyRequestCount; got != 1 {
		t.Errorf("DailyRequestCount = %d, want 1 (exactly once despite retries)", got)
	}
}

func TestRecordUnknownKeyNotRetried(t *testing.T) {
	store := newMemStore()
	rec, err := NewRecorder(store, config.QuotaConfig{MaxDailyRequests: 100}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = rec.Record(context.Background(), UsageUpdate{KeyName: "ghost", Tokens: 5})
	if !errors.Is(err, ErrUnknownKey) {
		t.Errorf("err = %v, want ErrUnknownKey", err)
	}
}
