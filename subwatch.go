package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/admin"
	"github.com/subwatch/subwatch/cache"
	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/engine"
	"github.com/subwatch/subwatch/index"
	"github.com/subwatch/subwatch/notifier"
	_ "github.com/subwatch/subwatch/notifier/sink"
	"github.com/subwatch/subwatch/scheduler"
	"github.com/subwatch/subwatch/store"
	"github.com/subwatch/subwatch/telemetry"
)

const (
	bootstrapTimeout = 30 * time.Second
	rebuildTimeout   = 5 * time.Minute
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Subwatch - Subscription Change Synchronization")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Phase 1: Durable subscription store and change log
	log.Info().Msg("Opening subscription store")
	s, err := store.Open(cfg.Config.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open subscription store")
		return
	}
	defer s.Close()

	if cfg.Config.Store.Embedded {
		if err := bootstrapStore(s); err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap embedded store")
			return
		}
		log.Info().Msg("Embedded store bootstrapped with change capture")
	}

	changeLog := store.NewChangeLogStore(s, cfg.Config.Sync.MaxRetries)
	subscribers := store.NewSubscriberStore(s)

	// Phase 2: Derived subscription cache
	log.Info().Msg("Initializing subscription cache")
	subscriptionCache, err := cache.New(cfg.Config.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize subscription cache")
		return
	}
	defer subscriptionCache.Close()

	// Phase 3: In-memory subscriber index with optional connectivity probe
	probe := index.NewProbe(cfg.Config.Index)
	if probe != nil {
		probe.Start()
		defer probe.Stop()
	}

	idx := index.New(subscribers, cfg.Config.Index.ScanBatchSize, probe)
	if cfg.Config.Index.RebuildOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		entries, err := idx.RebuildAll(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build subscriber index")
			return
		}
		log.Info().Int("entries", entries).Msg("Subscriber index built")
	}

	// Phase 4: Notification pipeline
	log.Info().Msg("Initializing notification dispatcher")
	letters, err := notifier.NewDeadLetterLog(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open dead letter log")
		return
	}
	defer letters.Close()

	dispatcher, err := notifier.NewDispatcher(cfg.Config.Notifier, letters)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize notification dispatcher")
		return
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	// Phase 5: Reconciliation engine and scheduler
	log.Info().Msg("Starting reconciliation scheduler")
	eng := engine.New(changeLog, subscriptionCache, idx, dispatcher, cfg.Config.Sync)
	sched := scheduler.New(eng, cfg.Config.Sync)
	sched.Start()
	defer sched.Stop()

	// Backlog gauges refresh on the health cadence
	collector := telemetry.NewMetricsCollector(changeLog,
		time.Duration(cfg.Config.Sync.HealthCheckSeconds)*time.Second)
	collector.Start()
	defer collector.Stop()

	// Phase 6: Operational HTTP surface
	adminServer := admin.NewServer(admin.NewAdminHandlers(sched, eng, idx, dispatcher))
	if err := adminServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start admin HTTP server")
		return
	}
	defer adminServer.Stop()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Str("store_driver", string(cfg.Config.Store.Driver)).
		Msg("Subwatch started successfully")

	// Block until shutdown; deferred stops run in reverse start order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

// bootstrapStore creates the schema and capture triggers for embedded mode.
func bootstrapStore(s *store.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if err := s.Bootstrap(ctx); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := s.InstallChangeCapture(ctx); err != nil {
		return fmt.Errorf("installing change capture: %w", err)
	}
	return nil
}
