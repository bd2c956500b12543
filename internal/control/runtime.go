// Package control wires configuration into a running inference runtime.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/edgeinfer/internal/core/config"
	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/core/worker"
	"github.com/vietddude/edgeinfer/internal/inference/engine"
	"github.com/vietddude/edgeinfer/internal/inference/health"
	"github.com/vietddude/edgeinfer/internal/inference/recovery"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
	natspub "github.com/vietddude/edgeinfer/internal/infra/messaging/nats"
	redisclient "github.com/vietddude/edgeinfer/internal/infra/redis"
	"github.com/vietddude/edgeinfer/internal/infra/storage"
	"github.com/vietddude/edgeinfer/internal/infra/storage/memory"
	"github.com/vietddude/edgeinfer/internal/infra/storage/postgres"
	"github.com/vietddude/edgeinfer/internal/infra/sysmetrics"
)

// Options overrides parts of the runtime, mainly for tests.
type Options struct {
	// Accelerator replaces the backend selected by engine.backend.
	Accelerator accelerator.Accelerator
	// Counters replaces the gopsutil process reader.
	Counters sysmetrics.Reader
	Snapshot sysmetrics.Snapshotter
	// Sleep replaces the recovery backoff sleep.
	Sleep  recovery.SleepFunc
	Logger *slog.Logger
}

// Runtime is the main application struct that manages the inference lifecycle.
type Runtime struct {
	cfg          *config.AppConfig
	recovery     *recovery.Engine
	engine       *engine.Engine
	accel        accelerator.Accelerator
	counters     sysmetrics.Reader
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	errorRepo    storage.ErrorLogRepository
	db           *postgres.DB
	redisClient  *redisclient.Client
	redisLog     *redisclient.ErrorLog
	publisher    *natspub.Publisher
	log          *slog.Logger
}

// NewRuntime creates a Runtime with all dependencies initialized.
func NewRuntime(ctx context.Context, cfg *config.AppConfig, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger
	r := &Runtime{cfg: cfg, log: log}

	// 1. Recovery engine
	backoff := recovery.DefaultBackoff(nil)
	backoff.InitialDelay = cfg.Recovery.BaseDelay
	backoff.MaxDelay = cfg.Recovery.MaxDelay
	r.recovery = recovery.New(recovery.Options{
		MaxRetries:               cfg.Recovery.MaxRetries,
		DisableAutomaticRecovery: !cfg.Recovery.AutomaticEnabled(),
		HistoryLimit:             cfg.Recovery.HistoryLimit,
		Backoff:                  backoff,
		Snapshot:                 opts.Snapshot,
		Sleep:                    opts.Sleep,
		Logger:                   log,
	})
	backoff.MaxAttempts = r.recovery.MaxRetries()

	// 2. Error-log storage and sinks
	if err := r.initSinks(ctx); err != nil {
		return nil, err
	}

	// 3. Backend and counters
	r.accel = opts.Accelerator
	if r.accel == nil {
		accel, err := accelerator.New(accelerator.Kind(cfg.Engine.Backend), accelerator.Options{Logger: log})
		if err != nil {
			r.closeSinks()
			return nil, fmt.Errorf("failed to create accelerator: %w", err)
		}
		r.accel = accel
	}
	r.counters = opts.Counters
	if r.counters == nil {
		pr, err := sysmetrics.NewProcessReader()
		if err != nil {
			log.Warn("Process counters unavailable", "error", err)
		} else {
			r.counters = pr
		}
	}

	// 4. Inference engine
	r.engine = engine.New(engine.Options{
		Accelerator: r.accel,
		Counters:    r.counters,
		Recovery:    r.recovery,
		Logger:      log,
	})
	r.engine.EnableHardwareAcceleration(cfg.Engine.HardwareEnabled())
	if err := r.engine.SetNumThreads(cfg.Engine.NumThreads); err != nil {
		r.closeSinks()
		return nil, err
	}
	r.engine.SetMemoryLimit(cfg.Engine.MemoryLimitMB)
	if err := r.engine.SetPowerProfile(domain.PowerProfile(cfg.Engine.PowerProfile)); err != nil {
		r.closeSinks()
		return nil, err
	}

	RegisterDefaultStrategies(r.recovery, r.engine, r.counters)

	// 5. Health
	r.healthMon = health.NewMonitor(r.recovery, r.engine, r.counters)
	r.healthServer = health.NewServer(r.healthMon, cfg.Server.Port)
	if cfg.Server.GRPCPort != 0 {
		r.grpcServer = health.NewGRPCServer(r.healthMon, cfg.Server.GRPCPort, log)
	}

	return r, nil
}

// initSinks connects the configured error-log stores and registers them as
// recovery callbacks. Postgres is required when configured; Redis and NATS
// degrade to a warning.
func (r *Runtime) initSinks(ctx context.Context) error {
	cfg := r.cfg
	timeout := cfg.Recovery.SinkTimeout

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		r.db = db
		repo := postgres.NewErrorLogRepo(db)
		r.errorRepo = repo
		r.recovery.RegisterErrorCallback(recovery.SinkCallback(repo, timeout, r.log))
		r.log.Info("Using PostgreSQL error log")
	} else {
		repo := memory.NewErrorLogRepo()
		r.errorRepo = repo
		r.recovery.RegisterErrorCallback(recovery.SinkCallback(repo, timeout, r.log))
		r.log.Info("Using memory error log")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			r.log.Warn("Failed to connect to Redis, shared error log disabled", "error", err)
		} else {
			r.redisClient = client
			r.redisLog = redisclient.NewErrorLog(client, cfg.Redis.Namespace, cfg.Recovery.HistoryLimit)
			r.recovery.RegisterErrorCallback(recovery.SinkCallback(r.redisLog, timeout, r.log))
		}
	}

	if cfg.NATS.URL != "" {
		pub, err := natspub.NewPublisher(cfg.NATS, r.log)
		if err != nil {
			r.log.Warn("Failed to connect to NATS, error events disabled", "error", err)
		} else {
			r.publisher = pub
			r.recovery.RegisterErrorCallback(recovery.SinkCallback(pub, timeout, r.log))
		}
	}
	return nil
}

// LoadModel loads and warms up the configured model. It is a no-op when
// model.path is empty.
func (r *Runtime) LoadModel(ctx context.Context) error {
	path := r.cfg.Model.Path
	if path == "" {
		return nil
	}
	format, err := domain.ParseModelFormat(r.cfg.Model.Format)
	if err != nil {
		return err
	}
	if err := r.engine.LoadModel(ctx, path, format, r.cfg.Model.ModelConfig); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if n := r.cfg.Engine.WarmupRuns; n > 0 {
		if err := r.engine.WarmUp(ctx, n); err != nil {
			r.log.Warn("Warm-up failed", "error", err)
		}
	}
	r.log.Info("Model ready", "path", path, "backend", r.engine.Status().SelectedBackend)
	return nil
}

// Start loads the configured model and starts the health servers and
// background workers. Workers stop when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.LoadModel(ctx); err != nil {
		return err
	}

	// Start Health Server
	go func() {
		if err := r.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("Health server failed", "error", err)
		}
	}()

	if r.grpcServer != nil {
		go func() {
			if err := r.grpcServer.Start(); err != nil {
				r.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	if r.db != nil {
		r.db.StartMetricsCollector(ctx)
	}
	if retention := r.cfg.Recovery.Retention; retention > 0 {
		go worker.NewPruner(retention, r.errorRepo, r.log).Start(ctx)
	}
	return nil
}

// Stop exports the error log when configured, releases the engine and
// closes servers and sinks.
func (r *Runtime) Stop(ctx context.Context) error {
	r.log.Info("Stopping runtime...")
	var errs []error

	if path := r.cfg.Recovery.ExportPath; path != "" {
		if err := r.recovery.ExportErrorLogs(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.engine.ReleaseResources(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release engine: %w", err))
	}

	if r.grpcServer != nil {
		if err := r.grpcServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.healthServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if r.publisher != nil {
		if err := r.publisher.Flush(ctx); err != nil {
			r.log.Warn("Pending error events not flushed", "error", err)
		}
	}
	r.closeSinks()
	return errors.Join(errs...)
}

func (r *Runtime) closeSinks() {
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	// Close Redis
	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("Failed to close database", "error", err)
		}
	}
}

// RecentErrors returns up to limit persisted records, newest first.
func (r *Runtime) RecentErrors(ctx context.Context, limit int) ([]recovery.Record, error) {
	return r.errorRepo.List(ctx, storage.ErrorLogFilter{Limit: limit})
}

func (r *Runtime) Engine() *engine.Engine               { return r.engine }
func (r *Runtime) Recovery() *recovery.Engine           { return r.recovery }
func (r *Runtime) Monitor() *health.Monitor             { return r.healthMon }
func (r *Runtime) Handler() http.Handler                { return r.healthServer.Handler() }
func (r *Runtime) ErrorLog() storage.ErrorLogRepository { return r.errorRepo }
