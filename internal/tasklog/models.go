package tasklog

import (
	"encoding/json"
	"time"
)

// Task is one logical unit of work, spanning possibly many interactions.
type Task struct {
	ID          string          `json:"id" db:"id"`
	Context     json.RawMessage `json:"context" db:"context"`
	Status      string          `json:"status" db:"status"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// Exchange is one prompt/response pair in task order.
type Exchange struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Interaction is one stored prompt/response exchange owned by a task.
type Interaction struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Prompt    string    `json:"prompt" db:"prompt"`
	Response  string    `json:"response" db:"response"`
	Timestamp time.Time `json:"request_timestamp" db:"request_timestamp"`
}

// CommandExecution is one shell command the external agent attempted.
type CommandExecution struct {
	ID          string    `json:"id" db:"id"`
	TaskID      string    `json:"task_id" db:"task_id"`
	Command     string    `json:"command" db:"command"`
	Permissions string    `json:"permissions" db:"permissions"`
	UserConfirm bool      `json:"user_confirmation" db:"user_confirmation"`
	AgentMode   string    `json:"agent_mode" db:"agent_mode"`
	ExecutedAt  time.Time `json:"executed_at" db:"executed_at"`
}

// UsageEntry is one usage_log row, written by the usage recorder and
// rendered on the dashboard front page.
type UsageEntry struct {
	ID          string    `json:"id" db:"id"`
	KeyName     string    `json:"key_name" db:"key_name"`
	TaskID      string    `json:"task_id" db:"task_id"`
	TokenCount  int64     `json:"token_count" db:"token_count"`
	RequestType string    `json:"request_type" db:"request_type"`
	Timestamp   time.Time `json:"request_timestamp" db:"request_timestamp"`
}
