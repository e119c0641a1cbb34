package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop runs Concurrency workers that drain the queue until ctx ends.
type Loop struct {
	Engine   Engine
	WorkerID string
	Logger   *slog.Logger
}

func (l Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return l.Engine.logger()
}

// Owner is the lock owner name of worker slot n.
func (l Loop) Owner(slot int) string { return fmt.Sprintf("%s/%d", l.WorkerID, slot) }

func (l Loop) Run(ctx context.Context) error {
	cfg := l.Engine.Config.Worker
	n := cfg.Concurrency
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.heartbeat(ctx) })
	for slot := 0; slot < n; slot++ {
		owner := l.Owner(slot)
		g.Go(func() error { return l.work(ctx, owner) })
	}
	l.logger().InfoContext(ctx, "worker started", "worker_id", l.WorkerID, "slots", n)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l Loop) work(ctx context.Context, owner string) error {
	idle := l.Engine.Config.Worker.PollInterval.D()
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := l.Engine.RunOnce(ctx, owner)
		if err != nil && ctx.Err() == nil {
			l.logger().ErrorContext(ctx, "visit failed", "owner", owner, "error", err)
		}
		if worked && err == nil {
			continue
		}
		if !sleep(ctx, idle) {
			return nil
		}
	}
}

func (l Loop) heartbeat(ctx context.Context) error {
	ttl := l.Engine.Config.Worker.HeartbeatTTL.D()
	every := ttl / 3
	if every <= 0 {
		every = time.Minute
	}
	for {
		if err := l.Engine.Coord.Heartbeat(ctx, l.WorkerID, ttl); err != nil && ctx.Err() == nil {
			l.logger().WarnContext(ctx, "heartbeat", "worker_id", l.WorkerID, "error", err)
		}
		if !sleep(ctx, every) {
			return nil
		}
	}
}

// sleep waits d or until ctx ends. It reports false when ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
