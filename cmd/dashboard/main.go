// Command dashboard serves the read-only web views of the key pool and
// task log, and runs the in-process daily quota reset.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/dashboard"
	"agent-key-broker/internal/keystore"
	"agent-key-broker/internal/monitor"
	"agent-key-broker/internal/notify"
	"agent-key-broker/internal/tasklog"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	store, err := keystore.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	tasks := tasklog.New(store.Pool())

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlack(cfg.Notify.SlackWebhookURL, cfg.Notify.Timeout, metrics)
	}

	// In-process daily reset. External deployments can disable it and run
	// `broker reset-quotas` from cron instead.
	var scheduler *keystore.ResetScheduler
	if cfg.Quota.ResetSchedule != "" {
		resetter := keystore.NewResetter(store, metrics)
		scheduler, err = keystore.NewResetScheduler(cfg.Quota.ResetSchedule, resetter, notifier)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid quota reset schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	handlers := dashboard.NewHandlers(store, tasks, cfg.Dashboard)
	server := dashboard.NewServer(cfg, handlers, store, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("reset_scheduler", scheduler != nil).
		Msg("dashboard starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("dashboard stopped")
}
