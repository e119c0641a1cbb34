// Package coord holds the short-lived coordination state of the workers: project
// locks, the work queue, notification dedup markers, reply threads and worker
// heartbeats. Every entry carries a store-enforced expiry.
package coord

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrEmpty          = errors.New("queue empty")
	ErrNotFound       = errors.New("not found")
	ErrLockContention = errors.New("lock held by another owner")
)

// Entry is a work queue entry.
type Entry struct {
	ProjectID string
	Priority  float64
	// NotBefore is the earliest time the entry may be dequeued. Zero means now.
	NotBefore time.Time
}

type LockInfo struct {
	ProjectID string
	Owner     string
	ExpiresAt time.Time
}

// WorkerOf returns the worker id part of a lock owner "worker/slot".
func WorkerOf(owner string) string {
	if i := strings.LastIndexByte(owner, '/'); i >= 0 {
		return owner[:i]
	}
	return owner
}

type Coordinator interface {
	AcquireLock(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, projectID, owner string) error
	InspectLock(ctx context.Context, projectID string) (LockInfo, bool, error)
	ListLocks(ctx context.Context) ([]LockInfo, error)
	// ForceRelease removes the lock only if owner still holds it, expired or not.
	ForceRelease(ctx context.Context, projectID, owner string) (bool, error)

	Enqueue(ctx context.Context, e Entry) error
	EnsureQueued(ctx context.Context, e Entry) (bool, error)
	DequeueNext(ctx context.Context) (string, error)
	Queued(ctx context.Context, projectID string) (bool, error)

	MarkSent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ClearSent(ctx context.Context, key string) error

	RegisterThread(ctx context.Context, token, ref string, ttl time.Duration) error
	ResolveThread(ctx context.Context, token string) (string, error)

	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	LiveWorkers(ctx context.Context) ([]string, error)

	Close() error
}

// Sweeper is implemented by backends that must delete expired rows themselves.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type candidate struct {
	id         string
	priority   float64
	enqueuedAt int64
}

// pick returns the candidate with the highest aged priority; ties go to the one
// waiting longest.
func pick(cands []candidate, now int64, agingPerMinute float64) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	score := func(c candidate) float64 {
		waited := float64(now-c.enqueuedAt) / float64(time.Minute/time.Millisecond)
		if waited < 0 {
			waited = 0
		}
		return c.priority + agingPerMinute*waited
	}
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := score(cands[i]), score(cands[j])
		if si != sj {
			return si > sj
		}
		if cands[i].enqueuedAt != cands[j].enqueuedAt {
			return cands[i].enqueuedAt < cands[j].enqueuedAt
		}
		return cands[i].id < cands[j].id
	})
	return cands[0], true
}

func ms(t time.Time) int64 { return t.UnixMilli() }
