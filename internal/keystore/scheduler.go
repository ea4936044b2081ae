package keystore

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/notify"
)

// ResetScheduler fires the quota reset on a cron schedule. It backs the
// in-process daily reset of the dashboard daemon; standalone deployments
// use the reset-quotas command from an external scheduler instead.
type ResetScheduler struct {
	cron     *cronlib.Cron
	resetter *Resetter
	notifier notify.Notifier
	schedule string
}

// NewResetScheduler validates the 5-field cron expression and prepares the
// scheduler. notifier may be nil.
func NewResetScheduler(schedule string, resetter *Resetter, notifier notify.Notifier) (*ResetScheduler, error) {
	if _, err := cronlib.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", schedule, err)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &ResetScheduler{
		cron:     cronlib.New(),
		resetter: resetter,
		notifier: notifier,
		schedule: schedule,
	}
	if _, err := s.cron.AddFunc(schedule, s.fire); err != nil {
		return nil, fmt.Errorf("registering reset job: %w", err)
	}
	return s, nil
}

// Start begins the cron loop in a background goroutine.
func (s *ResetScheduler) Start() {
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("quota reset scheduler started")
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *ResetScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("quota reset scheduler stopped")
}

func (s *ResetScheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.resetter.ResetAll(ctx); err != nil {
		s.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelError,
			Message: fmt.Sprintf("scheduled quota reset failed: %v", err),
		})
	}
}
