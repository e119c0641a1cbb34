package coord

import (
	"context"
	"database/sql"
	"time"

	"proposalflow/internal/db"
)

// dequeueBatch bounds how many eligible entries one dequeue scores.
const dequeueBatch = 256

// SQL keeps coordination state in its own tables of the durable store.
type SQL struct {
	DB             *sql.DB
	Dialect        db.Dialect
	AgingPerMinute float64
	Now            func() time.Time
}

func (s *SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQL) q(query string) string { return s.Dialect.Rebind(query) }

func (s *SQL) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.DB.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQL) AcquireLock(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, `INSERT INTO locks(project_id,owner,expires_at,acquired_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at, acquired_at=excluded.acquired_at
WHERE locks.expires_at <= ?`,
		projectID, owner, ms(now.Add(ttl)), ms(now), ms(now))
	return n > 0, err
}

func (s *SQL) RenewLock(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, `UPDATE locks SET expires_at=? WHERE project_id=? AND owner=? AND expires_at > ?`,
		ms(now.Add(ttl)), projectID, owner, ms(now))
	return n > 0, err
}

func (s *SQL) ReleaseLock(ctx context.Context, projectID, owner string) error {
	_, err := s.exec(ctx, `DELETE FROM locks WHERE project_id=? AND owner=?`, projectID, owner)
	return err
}

func (s *SQL) ForceRelease(ctx context.Context, projectID, owner string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM locks WHERE project_id=? AND owner=?`, projectID, owner)
	return n > 0, err
}

func (s *SQL) InspectLock(ctx context.Context, projectID string) (LockInfo, bool, error) {
	var (
		info    LockInfo
		expires int64
	)
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT project_id,owner,expires_at FROM locks WHERE project_id=?`), projectID).
		Scan(&info.ProjectID, &info.Owner, &expires)
	if err == sql.ErrNoRows {
		return LockInfo{}, false, nil
	}
	if err != nil {
		return LockInfo{}, false, err
	}
	info.ExpiresAt = time.UnixMilli(expires).UTC()
	if !info.ExpiresAt.After(s.now()) {
		return info, false, nil
	}
	return info, true, nil
}

// ListLocks includes expired rows that have not been reclaimed yet.
func (s *SQL) ListLocks(ctx context.Context) ([]LockInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT project_id,owner,expires_at FROM locks ORDER BY expires_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LockInfo
	for rows.Next() {
		var (
			info    LockInfo
			expires int64
		)
		if err := rows.Scan(&info.ProjectID, &info.Owner, &expires); err != nil {
			return nil, err
		}
		info.ExpiresAt = time.UnixMilli(expires).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQL) notBefore(e Entry, now time.Time) int64 {
	if e.NotBefore.IsZero() || e.NotBefore.Before(now) {
		return ms(now)
	}
	return ms(e.NotBefore)
}

// Enqueue keeps the earliest eligible time, the highest priority and the original
// enqueue time of an entry that is already queued.
func (s *SQL) Enqueue(ctx context.Context, e Entry) error {
	now := s.now()
	_, err := s.exec(ctx, `INSERT INTO work_queue(project_id,priority,enqueued_at,not_before) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET
  priority=CASE WHEN excluded.priority > work_queue.priority THEN excluded.priority ELSE work_queue.priority END,
  not_before=CASE WHEN excluded.not_before < work_queue.not_before THEN excluded.not_before ELSE work_queue.not_before END`,
		e.ProjectID, e.Priority, ms(now), s.notBefore(e, now))
	return err
}

func (s *SQL) EnsureQueued(ctx context.Context, e Entry) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, `INSERT INTO work_queue(project_id,priority,enqueued_at,not_before) VALUES (?,?,?,?) ON CONFLICT(project_id) DO NOTHING`,
		e.ProjectID, e.Priority, ms(now), s.notBefore(e, now))
	return n > 0, err
}

func (s *SQL) Queued(ctx context.Context, projectID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM work_queue WHERE project_id=?`), projectID).Scan(&n)
	return n > 0, err
}

func (s *SQL) DequeueNext(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		now := ms(s.now())
		cands, err := s.eligible(ctx, now)
		if err != nil {
			return "", err
		}
		best, ok := pick(cands, now, s.AgingPerMinute)
		if !ok {
			return "", ErrEmpty
		}
		n, err := s.exec(ctx, `DELETE FROM work_queue WHERE project_id=? AND enqueued_at=?`, best.id, best.enqueuedAt)
		if err != nil {
			return "", err
		}
		if n > 0 {
			return best.id, nil
		}
		// another worker took it between select and delete
	}
}

func (s *SQL) eligible(ctx context.Context, now int64) ([]candidate, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT project_id,priority,enqueued_at FROM work_queue WHERE not_before <= ? ORDER BY enqueued_at LIMIT ?`), now, dequeueBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.priority, &c.enqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQL) MarkSent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, `INSERT INTO dedup_markers(key,expires_at) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at WHERE dedup_markers.expires_at <= ?`,
		key, ms(now.Add(ttl)), ms(now))
	return n > 0, err
}

func (s *SQL) ClearSent(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM dedup_markers WHERE key=?`, key)
	return err
}

func (s *SQL) RegisterThread(ctx context.Context, token, ref string, ttl time.Duration) error {
	_, err := s.exec(ctx, `INSERT INTO threads(token,ref,expires_at) VALUES (?,?,?)
ON CONFLICT(token) DO UPDATE SET ref=excluded.ref, expires_at=excluded.expires_at`,
		token, ref, ms(s.now().Add(ttl)))
	return err
}

func (s *SQL) ResolveThread(ctx context.Context, token string) (string, error) {
	var ref string
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT ref FROM threads WHERE token=? AND expires_at > ?`), token, ms(s.now())).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ref, err
}

func (s *SQL) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	now := s.now()
	_, err := s.exec(ctx, `INSERT INTO workers(worker_id,expires_at,seen_at) VALUES (?,?,?)
ON CONFLICT(worker_id) DO UPDATE SET expires_at=excluded.expires_at, seen_at=excluded.seen_at`,
		workerID, ms(now.Add(ttl)), ms(now))
	return err
}

func (s *SQL) LiveWorkers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT worker_id FROM workers WHERE expires_at > ? ORDER BY worker_id`), ms(s.now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Sweep deletes expired dedup markers, threads and worker rows. Expired locks are
// left for the recovery scan to reclaim.
func (s *SQL) Sweep(ctx context.Context) (int64, error) {
	now := ms(s.now())
	var total int64
	for _, table := range []string{"dedup_markers", "threads", "workers"} {
		n, err := s.exec(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQL) Close() error { return nil }
