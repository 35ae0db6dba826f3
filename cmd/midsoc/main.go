// Package main is the entry point for the midsoc orchestrator daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"midsoc/internal/api/status"
	"midsoc/internal/claim"
	"midsoc/internal/classifier"
	"midsoc/internal/config"
	"midsoc/internal/consumer"
	"midsoc/internal/dispatch"
	"midsoc/internal/edr"
	errs "midsoc/internal/errors"
	"midsoc/internal/kafka"
	"midsoc/internal/logging"
	"midsoc/internal/metrics"
	"midsoc/internal/queue"
	"midsoc/internal/secrets"
	"midsoc/internal/siem"
	"midsoc/internal/startup"
	"midsoc/internal/storage"
	"midsoc/internal/storage/s3"
	"midsoc/internal/watcher"
)

var version = "dev"

func main() {
	var (
		showVersion  bool
		diagnoseOnly bool
	)
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&diagnoseOnly, "diagnose", false, "Run startup diagnostics and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("midsoc %s\n", version)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	errs.SetProductionMode(cfg.Production)
	metrics.InitMetrics()

	if err := resolveCredentials(cfg, logger); err != nil {
		slog.Error("failed to resolve credentials", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"sources", len(cfg.Sources),
		"edr_url", cfg.EDR.BaseURL,
		"siem_url", cfg.SIEM.BaseURL,
		"clickhouse", cfg.Storage.ClickHouse.Enabled,
		"kafka", cfg.Kafka.Enabled,
		"archive", cfg.Archive.Enabled,
		"claims", cfg.Claims.Enabled,
		"clickhouse_password", logging.MaskPassword(cfg.Storage.ClickHouse.Password),
		"redis_password", logging.MaskPassword(cfg.Claims.Password),
		"production", cfg.Production,
	)

	startup.PrintBanner(version)

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(context.Background())
	if diag.HasWarnings() {
		slog.Warn("startup diagnostics reported warnings, continuing")
	}
	if diagnoseOnly {
		if diag.HasErrors() {
			os.Exit(1)
		}
		os.Exit(0)
	}
	if diag.HasErrors() {
		slog.Error("startup diagnostics failed")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("midsoc exited with error", "error", err)
		os.Exit(1)
	}
}

// resolveCredentials swaps env:, file: and vault: references in the
// credential fields for their values.
func resolveCredentials(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr, err := secrets.NewManager(ctx, cfg.Secrets, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return mgr.ResolveInPlace(ctx, cfg.CredentialRefs())
}

// closer is anything that must be released at shutdown, in reverse order.
type closer struct {
	name string
	fn   func() error
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				slog.Error("close failed", "component", closers[i].name, "error", err)
			}
		}
	}()

	outcomes := queue.NewRingBuffer(cfg.Queue.Size, logger)
	sinks := []consumer.Sink{consumer.NewLogSink(logger)}

	if cfg.Storage.ClickHouse.Enabled {
		bw, chClient, err := openClickHouse(ctx, cfg, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"clickhouse", chClient.Close})
		closers = append(closers, closer{"batch_writer", bw.Close})
		sinks = append(sinks, bw)
	}

	if cfg.Kafka.Enabled {
		if cfg.Kafka.EnsureTopic {
			if err := kafka.EnsureTopic(ctx, cfg.Kafka, logger); err != nil {
				return fmt.Errorf("ensure kafka topic: %w", err)
			}
		}
		producer, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		closers = append(closers, closer{"kafka", func() error {
			m := producer.GetMetrics()
			slog.Info("kafka producer closing",
				"messages", m.MessagesProduced,
				"bytes", m.BytesProduced,
				"errors", m.Errors,
			)
			return producer.Close()
		}})
		sinks = append(sinks, producer)
	}

	// Dispatch units keep recording after a signal, so the consumer runs
	// until Stop closes the queue.
	outcomeConsumer := consumer.New(outcomes, sinks, cfg.Consumer, logger)
	outcomeConsumer.Start(context.WithoutCancel(ctx))

	dispatcher := dispatch.New(cfg.Dispatch.Dispatcher(),
		edr.NewClient(cfg.EDR, logger),
		siem.NewClient(cfg.SIEM, logger),
		logger,
	)
	dispatcher.SetRecorder(outcomes)

	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		if hs := s3Client.HealthCheck(ctx); !hs.Healthy {
			slog.Warn("archive bucket unreachable, artifacts will not be archived until it recovers",
				"bucket", s3Client.Bucket(),
				"error", hs.Error,
			)
		}
		archiver := s3.NewArchiver(s3Client, cfg.Archive.Archive, logger)
		dispatcher.SetArchiver(archiver)
		closers = append(closers, closer{"archive", func() error {
			m := archiver.GetMetrics()
			slog.Info("archive totals", "archived", m.Archived, "failed", m.Failed)
			return nil
		}})
	}

	pipeline := dispatch.NewPipeline(classifier.New(classifier.DefaultTables(), logger), dispatcher, cfg.Dispatch.WriteSettle, logger)

	if cfg.Claims.Enabled {
		store, err := claim.New(ctx, cfg.Claims, logger)
		if err != nil {
			return fmt.Errorf("create claim store: %w", err)
		}
		closers = append(closers, closer{"claims", store.Close})
		pipeline.SetClaimer(store)
	}

	watchers := make([]*watcher.Watcher, 0, len(cfg.Sources))
	sources := make([]status.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		w, err := watcher.New(watcher.Config{
			Dir:            src.Path,
			Tool:           src.Tool,
			DebounceWindow: cfg.Watcher.DebounceWindow,
			PollInterval:   cfg.Watcher.PollInterval,
			SentinelName:   cfg.Watcher.SentinelName,
		}, pipeline.Handle, logger)
		if err != nil {
			for _, built := range watchers {
				built.Close()
			}
			return err
		}
		watchers = append(watchers, w)
		sources = append(sources, w)
	}

	var statusServer *status.Server
	if cfg.Status.Addr != "" {
		statusServer = status.New(cfg.Status, sources, outcomes, logger)
		statusServer.Start()
	}

	for _, w := range watchers {
		w.Start(ctx)
	}

	// Each watcher exits on its sentinel or on a signal. The process ends
	// once all of them have stopped and their dispatch units finished.
	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func(w *watcher.Watcher) {
			defer wg.Done()
			w.Wait()
			m := w.Metrics()
			slog.Info("watcher finished",
				"dir", w.Dir(),
				"dispatched", m.Dispatched,
				"deduplicated", m.Deduplicated,
				"vanished", m.Vanished,
			)
		}(w)
	}
	wg.Wait()

	if ctx.Err() != nil {
		slog.Info("shutdown signal received")
	} else {
		slog.Info("all watchers stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server shutdown error", "error", err)
		}
	}

	outcomeConsumer.Stop(shutdownCtx)

	qm := outcomes.Metrics()
	cm := outcomeConsumer.Metrics()
	slog.Info("shutdown complete",
		"outcomes_recorded", qm.Pushed,
		"outcomes_dropped", qm.Dropped,
		"outcomes_consumed", cm.Consumed,
		"sink_errors", cm.Errors,
	)
	return nil
}

// openClickHouse connects, migrates and applies retention, then returns the
// outcome writer.
func openClickHouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.BatchWriter, *storage.ClickHouseClient, error) {
	slog.Info("initializing ClickHouse storage",
		"hosts", cfg.Storage.ClickHouse.Hosts,
		"database", cfg.Storage.ClickHouse.Database,
		"username", cfg.Storage.ClickHouse.Username,
		"password", logging.MaskPassword(cfg.Storage.ClickHouse.Password),
	)

	client, err := storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	if err := client.EnsureDatabase(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ensure database: %w", err)
	}

	slog.Info("running database migrations")
	if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	if err := storage.NewRetentionManager(client, cfg.Storage.Retention, logger).ApplyTTLs(ctx); err != nil {
		// Tables keep the TTLs from the migration.
		slog.Warn("failed to apply retention", "error", err)
	}

	return storage.NewBatchWriter(client, cfg.Storage.BatchWriter, logger), client, nil
}
