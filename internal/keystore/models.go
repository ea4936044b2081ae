package keystore

import "time"

// Credential is one API key and its usage metadata (one api_keys row).
type Credential struct {
	KeyName           string     `json:"key_name" db:"key_name"`
	KeyValue          string     `json:"-" db:"key_value"`
	LastUsed          *time.Time `json:"last_used,omitempty" db:"last_used"`
	QuotaExhausted    bool       `json:"quota_exhausted" db:"quota_exhausted"`
	DailyRequestCount int64      `json:"daily_request_count" db:"daily_request_count"`
	DailyTokenTotal   int64      `json:"daily_token_total" db:"daily_token_total"`
	DisabledUntil     *time.Time `json:"disabled_until,omitempty" db:"disabled_until"`
	ReservedUntil     *time.Time `json:"reserved_until,omitempty" db:"reserved_until"`
	Priority          int        `json:"priority" db:"priority"` // lower = preferred
	AssignedTo        string     `json:"assigned_to,omitempty" db:"assigned_to"`
	RotationEnabled   bool       `json:"rotation_enabled" db:"rotation_enabled"`
	Source            string     `json:"source,omitempty" db:"source"`
}

// UsageUpdate describes one completed external invocation to charge
// against a credential.
type UsageUpdate struct {
	KeyName     string
	Tokens      int64
	TaskID      string
	RequestType string
}

// UsageResult reports the credential state after a usage update landed.
type UsageResult struct {
	DailyRequestCount int64
	DailyTokenTotal   int64
	Exhausted         bool
}
