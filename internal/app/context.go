// Package app assembles a runtime from a workspace: config, database, coordination
// backend, collaborators and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proposalflow/internal/collab"
	"proposalflow/internal/config"
	"proposalflow/internal/coord"
	"proposalflow/internal/db"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
	"proposalflow/internal/recovery"
	"proposalflow/internal/repo"
	"proposalflow/internal/telemetry"
)

// Options override config values; empty fields keep the file's value.
type Options struct {
	Workspace  string
	ConfigPath string
	DSN        string
	RedisAddr  string
	LogLevel   string
	LogOutput  io.Writer
	// Migrate applies pending migrations on open.
	Migrate bool
}

type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Coord   coord.Coordinator
	Engine  engine.Engine
	Logger  *slog.Logger
	Events  events.Reader
}

// LoadConfig reads the config named by opts and applies the overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.DSN != "" {
		cfg.Store.DSN = opts.DSN
		if strings.HasPrefix(opts.DSN, "postgres://") || strings.HasPrefix(opts.DSN, "postgresql://") {
			cfg.Store.Driver = "postgres"
		}
	}
	if opts.RedisAddr != "" {
		cfg.Coordination.Backend = "redis"
		cfg.Coordination.RedisAddr = opts.RedisAddr
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger returns a slog logger writing text or JSON at level.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// Open builds a runtime. The caller must Close it.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(opts.LogOutput, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &Runtime{Config: cfg, DB: conn, Dialect: dialect, Logger: logger, Events: events.Reader{DB: conn, Dialect: dialect}}
	if opts.Migrate {
		if _, err := migrate.Migrate(conn, dialect); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if rt.Coord, err = openCoordinator(ctx, cfg, conn, dialect); err != nil {
		rt.Close()
		return nil, err
	}
	col, err := Collaborators(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	metrics, err := telemetry.New()
	if err != nil {
		rt.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn, Dialect: dialect, Events: events.Writer{Dialect: dialect}}
	if rt.Engine, err = engine.New(cfg, r, rt.Coord, col, logger, metrics); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func openCoordinator(ctx context.Context, cfg *config.Config, conn *sql.DB, dialect db.Dialect) (coord.Coordinator, error) {
	if cfg.Coordination.Backend != "redis" {
		return &coord.SQL{DB: conn, Dialect: dialect, AgingPerMinute: cfg.Queue.AgingPerMinute}, nil
	}
	r := coord.NewRedis(coord.RedisOptions{
		Addr:           cfg.Coordination.RedisAddr,
		Password:       cfg.Coordination.RedisPassword,
		DB:             cfg.Coordination.RedisDB,
		KeyPrefix:      cfg.Coordination.KeyPrefix,
		AgingPerMinute: cfg.Queue.AgingPerMinute,
	})
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Coordination.RedisAddr, err)
	}
	return r, nil
}

// Collaborators wires the external services named by cfg. Without an endpoint
// only the logging notifier is available; workers refuse to start in that case.
func Collaborators(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Collaborators, error) {
	var col engine.Collaborators
	var notifier collab.Notifier = collab.LoggingNotifier{Logger: logger}
	if cfg.Collaborators.Endpoint != "" {
		client := collab.NewHTTPClient(cfg.Collaborators.Endpoint, cfg.Collaborators.Token, cfg.Timeouts.Call.D())
		col.Reasoner = client
		col.Search = client
		col.Renderer = client
		if cfg.Notify.Mode == "http" {
			notifier = client
		}
		if cfg.Storage.S3Bucket != "" {
			store, err := collab.NewS3Store(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix, cfg.Storage.Region)
			if err != nil {
				return col, err
			}
			col.Renderer = collab.Archived{Source: client, Store: store}
		}
	}
	col.Notifier = collab.NewThrottled(notifier, cfg.Notify.RatePerSecond, cfg.Notify.Burst)
	return col, nil
}

// Close releases the coordination backend and the database.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Coord != nil {
		errs = append(errs, rt.Coord.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}

// NewWorkerID names this process for locks and heartbeats.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (rt *Runtime) Recovery(workerID string) recovery.Manager {
	return recovery.Manager{Engine: rt.Engine, WorkerID: workerID, Logger: rt.Logger.With("component", "recovery")}
}

// Work releases orphaned locks, then runs the worker loop and the recovery scan
// until ctx ends.
func (rt *Runtime) Work(ctx context.Context, workerID string) error {
	if rt.Engine.Collab.Reasoner == nil {
		return errors.New("collaborators.endpoint is not configured; workers need a reasoner")
	}
	mgr := rt.Recovery(workerID)
	if _, err := mgr.ReleaseOrphanedLocks(ctx); err != nil {
		return fmt.Errorf("startup lock scan: %w", err)
	}
	loop := engine.Loop{Engine: rt.Engine, WorkerID: workerID, Logger: rt.Logger.With("component", "worker", "worker_id", workerID)}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return mgr.Run(ctx) })
	return g.Wait()
}
