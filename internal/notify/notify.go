// Package notify emits best-effort operator notifications. Delivery failure
// is logged and never propagated to the operation that triggered the event.
package notify

import (
	"context"
	"time"
)

// Level classifies an event for display purposes.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is a structured notification about a broker condition.
type Event struct {
	Level   Level
	Title   string
	Message string
	KeyName string
	TaskID  string
	At      time.Time
}

// Notifier delivers events to an external channel. Implementations must not
// block the caller beyond a bounded timeout and must swallow delivery errors.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop is a Notifier that discards all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
