// Package recovery reclaims work from crashed workers and flags projects that
// have been stuck too long. It never changes a project's status.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proposalflow/internal/coord"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
)

type Manager struct {
	Engine   engine.Engine
	WorkerID string
	Logger   *slog.Logger
}

// Report counts what one scan did.
type Report struct {
	ForceReleased int   `json:"force_released"`
	TimedOut      int   `json:"timed_out_projects"`
	Requeued      int   `json:"requeued"`
	Escalated     int   `json:"escalated"`
	Swept         int64 `json:"swept"`
}

func (m Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default().With("component", "recovery")
}

func (m Manager) now() time.Time {
	if m.Engine.Now != nil {
		return m.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

// Run scans every interval until ctx ends.
func (m Manager) Run(ctx context.Context) error {
	interval := m.Engine.Config.Recovery.Interval.D()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rep, err := m.ScanOnce(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger().ErrorContext(ctx, "recovery scan failed", "error", err)
		} else if rep != (Report{}) {
			m.logger().InfoContext(ctx, "recovery scan", "force_released", rep.ForceReleased, "timed_out", rep.TimedOut,
				"requeued", rep.Requeued, "escalated", rep.Escalated, "swept", rep.Swept)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// ScanOnce reclaims expired locks, times out overdue validation tasks, makes sure
// every active project is queued and escalates stuck ones.
func (m Manager) ScanOnce(ctx context.Context) (Report, error) {
	var rep Report
	e := m.Engine
	cfg := e.Config
	if m.WorkerID != "" {
		if err := e.Coord.Heartbeat(ctx, m.WorkerID, cfg.Worker.HeartbeatTTL.D()); err != nil {
			return rep, fmt.Errorf("heartbeat: %w", err)
		}
	}

	now := m.now()
	locks, err := e.Coord.ListLocks(ctx)
	if err != nil {
		return rep, fmt.Errorf("list locks: %w", err)
	}
	grace := cfg.Locks.Grace.D()
	for _, l := range locks {
		if now.Before(l.ExpiresAt.Add(grace)) {
			continue
		}
		ok, err := m.release(ctx, l, events.LockForceReleased)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.ForceReleased++
		}
	}

	ids, err := e.Validation.ExpireOverdue(ctx)
	if err != nil {
		return rep, fmt.Errorf("expire validation tasks: %w", err)
	}
	rep.TimedOut = len(ids)

	active, err := e.Repo.ListActive(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active: %w", err)
	}
	for _, p := range active {
		if _, held, err := e.Coord.InspectLock(ctx, p.ID); err != nil {
			return rep, err
		} else if !held {
			added, err := e.EnsureQueued(ctx, p)
			if err != nil {
				return rep, fmt.Errorf("ensure queued %s: %w", p.ID, err)
			}
			if added {
				rep.Requeued++
			}
		}
		if p.Escalated {
			continue
		}
		reason, stuck := Stuck(p, now, cfg.ProcessingTimeout(p.Status), grace)
		if !stuck {
			continue
		}
		marked, err := e.Annotate(ctx, p, reason, "recovery")
		if err != nil {
			return rep, fmt.Errorf("escalate %s: %w", p.ID, err)
		}
		if marked {
			rep.Escalated++
		}
	}

	if s, ok := e.Coord.(coord.Sweeper); ok {
		n, err := s.Sweep(ctx)
		if err != nil {
			return rep, fmt.Errorf("sweep: %w", err)
		}
		rep.Swept = n
	}
	return rep, nil
}

// Stuck reports whether p has overrun its processing timeout or its reply
// deadline by more than grace.
func Stuck(p domain.Project, now time.Time, limit, grace time.Duration) (string, bool) {
	if limit > 0 {
		if in := now.Sub(p.StatusSince); in > limit {
			return fmt.Sprintf("%s for %s, limit %s", p.Status, in.Truncate(time.Second), limit), true
		}
	}
	if p.TimeoutAt != nil && now.Sub(*p.TimeoutAt) >= grace {
		return fmt.Sprintf("%s deadline passed at %s", p.Status, p.TimeoutAt.Format(time.RFC3339)), true
	}
	return "", false
}

// ReleaseOrphanedLocks releases every lock whose worker is not live. It runs at
// startup, before this worker polls; the starting worker itself counts as dead.
func (m Manager) ReleaseOrphanedLocks(ctx context.Context) (int, error) {
	e := m.Engine
	workers, err := e.Coord.LiveWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("live workers: %w", err)
	}
	live := map[string]bool{}
	for _, w := range workers {
		if w != m.WorkerID {
			live[w] = true
		}
	}
	locks, err := e.Coord.ListLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}
	now := m.now()
	released := 0
	for _, l := range locks {
		if strings.HasPrefix(l.Owner, "human:") && l.ExpiresAt.After(now) {
			continue
		}
		if live[coord.WorkerOf(l.Owner)] {
			continue
		}
		ok, err := m.release(ctx, l, events.LockOrphaned)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		m.logger().InfoContext(ctx, "released orphaned locks", "count", released)
	}
	return released, nil
}

func (m Manager) release(ctx context.Context, l coord.LockInfo, evt string) (bool, error) {
	e := m.Engine
	ok, err := e.Coord.ForceRelease(ctx, l.ProjectID, l.Owner)
	if err != nil {
		return false, fmt.Errorf("force release %s: %w", l.ProjectID, err)
	}
	if !ok {
		return false, nil
	}
	m.logger().WarnContext(ctx, "lock released", "project_id", l.ProjectID, "owner", l.Owner, "expired_at", l.ExpiresAt, "event", evt)
	if err := e.Repo.Events.Append(ctx, e.Repo.DB, evt, l.ProjectID, "lock", l.ProjectID, "recovery", events.EventPayload{
		"owner":      l.Owner,
		"expired_at": l.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		m.logger().ErrorContext(ctx, "append event", "error", err)
	}
	if err := e.Wake(ctx, l.ProjectID); err != nil {
		m.logger().WarnContext(ctx, "requeue released project", "project_id", l.ProjectID, "error", err)
	}
	return true, nil
}
