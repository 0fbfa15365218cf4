package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"price_sync/internal/app"
	"price_sync/internal/config"
	"price_sync/internal/notifications"
	"price_sync/internal/processing"
	"price_sync/internal/scheduler"
	"price_sync/internal/sheets"
	"price_sync/internal/store"
	"price_sync/internal/telemetry"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	debug := flag.Bool("debug", false, "log marketplace payloads instead of sending them")
	flag.Parse()

	log.Debug().Msg("Starting application")
	app.SetupEnvironment()

	cfg, err := app.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.Debug = true
	}

	closer, err := app.ConfigureLogging(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once); err != nil {
		log.Error().Err(err).Msg("Price sync stopped with an error")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, once bool) error {
	log.Debug().Msg("Initializing clients")
	sheetsClient, err := sheets.NewClient(ctx, cfg.CredentialsFile, cfg.SpreadsheetID, config.DefaultResilienceConfig)
	if err != nil {
		return fmt.Errorf("failed to create sheets client: %w", err)
	}

	db, err := store.Open(cfg.Database, cfg.BusyTimeout.Duration)
	if err != nil {
		return err
	}
	defer db.Close()

	targets, err := app.BuildTargets(cfg)
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.New()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
	}

	notifier := notifications.NewClient(cfg.Notifications, config.DefaultResilienceConfig.Notification)
	metrics.ObserveNotifications(notifier.Metrics)
	if cfg.Notifications.Enabled {
		log.Info().Str("topic", cfg.Notifications.Topic).Msg("Notifications enabled")
	}

	runner := &processing.Runner{
		Source:   sheetsClient,
		Store:    db,
		Notifier: notifier,
		Metrics:  metrics,
		LogTable: cfg.LogTable,
		SkipRows: cfg.SkipRows,
		Debug:    cfg.Debug,
	}
	if cfg.Debug {
		log.Warn().Msg("Debug mode: marketplace requests are logged, not sent")
	}
	log.Debug().Msg("Clients initialized successfully")

	if once {
		runner.RunCycle(ctx, targets)
		return nil
	}

	log.Info().
		Int("marketplaces", len(targets)).
		Dur("interval", cfg.Interval.Duration).
		Msg("Starting price sync. Running immediately and then on every interval...")
	return scheduler.Run(ctx, cfg.Interval.Duration, func(ctx context.Context) {
		runner.RunCycle(ctx, targets)
	})
}
