package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"proposalflow/internal/db"
)

const (
	ProjectSubmitted  = "project.submitted"
	ProjectEscalated  = "project.escalated"
	ProjectRetried    = "project.retry_scheduled"
	LockForceReleased = "lock.force_released"
	LockOrphaned      = "lock.orphan_released"
	TaskDispatched    = "validation.dispatched"
	TaskSkipped       = "validation.skipped_duplicate"
	TaskDispatchFail  = "validation.dispatch_failed"
	TaskTimedOut      = "validation.timed_out"
	ResponseRecorded  = "response.recorded"
	ResponseIgnored   = "response.ignored"
	SignalRequested   = "signal.requested"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, ex Execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		db.FormatTime(now()), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
