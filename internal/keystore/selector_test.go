package keystore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func eligibleKey(name string, reqs, tokens int64) Credential {
	return Credential{
		KeyName:           name,
		KeyValue:          "secret-" + name,
		DailyRequestCount: reqs,
		DailyTokenTotal:   tokens,
		RotationEnabled:   true,
	}
}

func TestPickNeverReturnsIneligible(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	creds := []Credential{
		{KeyName: "exhausted", QuotaExhausted: true, RotationEnabled: true},
		{KeyName: "disabled", DisabledUntil: &future, RotationEnabled: true},
		{KeyName: "reserved", ReservedUntil: &future, RotationEnabled: true},
		{KeyName: "no-rotation", RotationEnabled: false},
		{KeyName: "at-ceiling", DailyRequestCount: 60, RotationEnabled: true},
		{KeyName: "was-disabled", DisabledUntil: &past, RotationEnabled: true, DailyRequestCount: 50},
	}

	p := Policy{MaxDailyRequests: 60}
	got, err := p.Pick(creds, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	// Only the key whose disable window has passed is eligible.
	if got.KeyName != "was-disabled" {
		t.Errorf("Pick = %q, want was-disabled", got.KeyName)
	}
}

func TestPickLowestRequestCountWins(t *testing.T) {
	creds := []Credential{
		eligibleKey("A", 5, 100),
		eligibleKey("B", 5, 50),
		eligibleKey("C", 3, 999),
	}

	got, err := Policy{}.Pick(creds, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.KeyName != "C" {
		t.Errorf("Pick = %q, want C (lowest request count wins first)", got.KeyName)
	}
}

func TestPickTokenTotalBreaksRequestTie(t *testing.T) {
	creds := []Credential{
		eligibleKey("A", 5, 100),
		eligibleKey("B", 5, 50),
	}

	got, err := Policy{}.Pick(creds, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.KeyName != "B" {
		t.Errorf("Pick = %q, want B (lower token total)", got.KeyName)
	}
}

func TestPickOldestLastUsedBreaksTie(t *testing.T) {
	now := time.Now()
	a := eligibleKey("A", 5, 100)
	a.LastUsed = timePtr(now.Add(-2 * time.Hour))
	b := eligibleKey("B", 5, 100)
	b.LastUsed = timePtr(now.Add(-1 * time.Hour))

	got, err := Policy{}.Pick([]Credential{b, a}, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.KeyName != "A" {
		t.Errorf("Pick = %q, want A (oldest last_used)", got.KeyName)
	}
}

func TestPickNeverUsedSortsFirst(t *testing.T) {
	now := time.Now()
	used := eligibleKey("used", 0, 0)
	used.LastUsed = timePtr(now.Add(-time.Minute))
	fresh := eligibleKey("zfresh", 0, 0)

	got, err := Policy{}.Pick([]Credential{used, fresh}, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.KeyName != "zfresh" {
		t.Errorf("Pick = %q, want zfresh (never used)", got.KeyName)
	}
}

func TestPickStableNameTieBreak(t *testing.T) {
	creds := []Credential{
		eligibleKey("bravo", 1, 1),
		eligibleKey("alpha", 1, 1),
	}

	for i := 0; i < 5; i++ {
		got, err := Policy{}.Pick(creds, time.Now())
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if got.KeyName != "alpha" {
			t.Fatalf("Pick = %q, want alpha (deterministic name tie-break)", got.KeyName)
		}
	}
}

func TestPickExhaustionSignal(t *testing.T) {
	_, err := Policy{}.Pick(nil, time.Now())
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Pick on empty set: err = %v, want ErrExhausted", err)
	}

	_, err = Policy{}.Pick([]Credential{
		{KeyName: "dead", QuotaExhausted: true, RotationEnabled: true},
	}, time.Now())
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Pick on ineligible set: err = %v, want ErrExhausted", err)
	}
}

func TestPickPriorityPlacement(t *testing.T) {
	// high-prio has worse counters but priority 0; low-prio has better
	// counters but priority 9.
	highPrio := eligibleKey("high", 10, 100)
	highPrio.Priority = 0
	lowPrio := eligibleKey("low", 2, 10)
	lowPrio.Priority = 9
	creds := []Credential{highPrio, lowPrio}

	tests := []struct {
		order string
		want  string
	}{
		{PriorityOff, "low"},    // counters decide
		{PriorityBefore, "high"}, // priority trumps counters
		{PriorityAfter, "low"},   // counters differ, priority never consulted
	}

	for _, tt := range tests {
		got, err := Policy{PriorityOrder: tt.order}.Pick(creds, time.Now())
		if err != nil {
			t.Fatalf("Pick(%s): %v", tt.order, err)
		}
		if got.KeyName != tt.want {
			t.Errorf("Pick(%s) = %q, want %q", tt.order, got.KeyName, tt.want)
		}
	}
}

func TestPickPriorityAfterBreaksFullTie(t *testing.T) {
	a := eligibleKey("a", 1, 1)
	a.Priority = 5
	b := eligibleKey("b", 1, 1)
	b.Priority = 1

	got, err := Policy{PriorityOrder: PriorityAfter}.Pick([]Credential{a, b}, time.Now())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.KeyName != "b" {
		t.Errorf("Pick = %q, want b (priority decides after counters tie)", got.KeyName)
	}
}

func TestSelectorSnapshotRead(t *testing.T) {
	store := newMemStore(
		eligibleKey("busy", 9, 900),
		eligibleKey("idle", 1, 10),
	)
	sel := NewSelector(store, Policy{}, nil)

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.KeyName != "idle" {
		t.Errorf("Select = %q, want idle", got.KeyName)
	}
	// Plain read: nothing reserved.
	if d := store.get("idle").ReservedUntil; d != nil {
		t.Errorf("ReservedUntil = %v, want nil after non-reserving select", d)
	}
}

func TestSelectorReservingRead(t *testing.T) {
	store := newMemStore(eligibleKey("only", 0, 0))
	sel := NewSelector(store, Policy{ReserveFor: time.Minute}, nil)

	got, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.KeyName != "only" {
		t.Fatalf("Select = %q, want only", got.KeyName)
	}
	if store.get("only").ReservedUntil == nil {
		t.Error("ReservedUntil not set after reserving select")
	}

	// The reserved key is invisible to a second selection.
	if _, err := sel.Select(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Errorf("second Select: err = %v, want ErrExhausted", err)
	}
}

func TestSelectorExhaustion(t *testing.T) {
	sel := NewSelector(newMemStore(), Policy{}, nil)
	if _, err := sel.Select(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Errorf("Select: err = %v, want ErrExhausted", err)
	}
}

func TestOrderClause(t *testing.T) {
	tests := []struct {
		order string
		want  string
	}{
		{PriorityOff, "daily_request_count ASC, daily_token_total ASC, last_used ASC NULLS FIRST, key_name ASC"},
		{PriorityBefore, "priority ASC, daily_request_count ASC, daily_token_total ASC, last_used ASC NULLS FIRST, key_name ASC"},
		{PriorityAfter, "daily_request_count ASC, daily_token_total ASC, last_used ASC NULLS FIRST, priority ASC, key_name ASC"},
	}
	for _, tt := range tests {
		if got := orderClause(Policy{PriorityOrder: tt.order}); got != tt.want {
			t.Errorf("orderClause(%s) = %q, want %q", tt.order, got, tt.want)
		}
	}
}
