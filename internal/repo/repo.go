package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Events  events.Writer
	Now     func() time.Time
}

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrInconsistentPayload = errors.New("inconsistent payload")
)

// ConflictError reports that the project row changed between read and write.
type ConflictError struct {
	ProjectID       string
	ExpectedStatus  domain.Status
	ActualStatus    domain.Status
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("project %s changed concurrently: expected %s@%d, found %s@%d",
		e.ProjectID, e.ExpectedStatus, e.ExpectedVersion, e.ActualStatus, e.ActualVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string { return r.Dialect.Rebind(query) }

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const projectColumns = `id,status,meta_json,priority,requirements_json,plan_json,proposal_json,estimated_value_json,state_json,
COALESCE(round_id,''),timeout_at,attempts,COALESCE(last_error,''),COALESCE(blocked_from,''),escalated,COALESCE(escalation_reason,''),
escalated_at,version,status_since,created_at,updated_at`

func scanProject(row scanner) (domain.Project, error) {
	var (
		p                                 domain.Project
		meta, state                       string
		reqs, plan, proposal, value       sql.NullString
		timeoutAt, escalatedAt            sql.NullString
		statusSince, createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Status, &meta, &p.Priority, &reqs, &plan, &proposal, &value, &state,
		&p.RoundID, &timeoutAt, &p.Attempts, &p.LastError, &p.BlockedFrom, &p.Escalated, &p.EscalationReason,
		&escalatedAt, &p.Version, &statusSince, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(meta), &p.Meta); err != nil {
		return p, fmt.Errorf("decode meta of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(state), &p.State); err != nil {
		return p, fmt.Errorf("decode state of %s: %w", p.ID, err)
	}
	p.Requirements = rawOrNil(reqs)
	p.Plan = rawOrNil(plan)
	p.Proposal = rawOrNil(proposal)
	if value.Valid {
		var v domain.ValueRange
		if err := json.Unmarshal([]byte(value.String), &v); err != nil {
			return p, fmt.Errorf("decode estimated value of %s: %w", p.ID, err)
		}
		p.EstimatedValue = &v
	}
	if p.TimeoutAt, err = parseNullTime(timeoutAt); err != nil {
		return p, err
	}
	if p.EscalatedAt, err = parseNullTime(escalatedAt); err != nil {
		return p, err
	}
	if p.StatusSince, err = db.ParseTime(statusSince); err != nil {
		return p, err
	}
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

// CreateProject stores a new project in status received.
func (r Repo) CreateProject(ctx context.Context, meta domain.ProjectMeta, actorID string) (domain.Project, error) {
	now := r.now()
	priority := meta.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	meta.Priority = priority
	p := domain.Project{
		ID:          uuid.NewString(),
		Status:      domain.StatusReceived,
		Meta:        meta,
		Priority:    priority,
		State:       map[string]any{},
		Version:     1,
		StatusSince: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Project{}, err
	}
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO projects(id,status,meta_json,priority,state_json,version,status_since,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`),
			p.ID, p.Status, string(metaJSON), p.Priority, "{}", p.Version, db.FormatTime(now), db.FormatTime(now), db.FormatTime(now))
		if err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.ProjectSubmitted, p.ID, "project", p.ID, actorID, events.EventPayload{
			"title":    meta.Title,
			"client":   meta.ClientName,
			"priority": priority,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.getProject(ctx, r.DB, id)
}

func (r Repo) getProject(ctx context.Context, qq queryer, id string) (domain.Project, error) {
	return scanProject(qq.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE id=?`), id))
}

type ProjectFilter struct {
	Status          []domain.Status
	ActiveOnly      bool
	Escalated       *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListProjects returns summaries newest first.
func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.ProjectSummary, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, s := range f.Status {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status NOT IN (?,?,?)")
		args = append(args, domain.StatusSent, domain.StatusAbandoned, domain.StatusBlocked)
	}
	if f.Escalated != nil {
		clauses = append(clauses, "escalated=?")
		args = append(args, boolInt(*f.Escalated))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,meta_json,status,priority,escalated,attempts,created_at,updated_at FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectSummary
	for rows.Next() {
		var (
			s                    domain.ProjectSummary
			meta                 string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&s.ID, &meta, &s.Status, &s.Priority, &s.Escalated, &s.Attempts, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var m domain.ProjectMeta
		if err := json.Unmarshal([]byte(meta), &m); err != nil {
			return nil, fmt.Errorf("decode meta of %s: %w", s.ID, err)
		}
		s.Title, s.ClientName = m.Title, m.ClientName
		if s.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListActive returns every project the orchestrator loop should still visit.
func (r Repo) ListActive(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE status NOT IN (?,?,?) ORDER BY created_at, id`),
		domain.StatusSent, domain.StatusAbandoned, domain.StatusBlocked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// RecordAttempt stores a failed attempt without changing status.
func (r Repo) RecordAttempt(ctx context.Context, id string, expected domain.Status, attempts int, lastError string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE projects SET attempts=?, last_error=?, updated_at=? WHERE id=? AND status=?`),
		attempts, nullable(lastError), db.FormatTime(r.now()), id, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.conflictFor(ctx, id, expected, 0)
	}
	return nil
}

// MarkEscalated sets the escalation annotation if the project is still in status
// and not yet escalated. It reports whether the annotation was set by this call.
func (r Repo) MarkEscalated(ctx context.Context, id string, status domain.Status, reason, actorID string) (bool, error) {
	var marked bool
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx, r.q(`UPDATE projects SET escalated=1, escalation_reason=?, escalated_at=?, updated_at=? WHERE id=? AND status=? AND escalated=0`),
			reason, db.FormatTime(now), db.FormatTime(now), id, status)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		marked = true
		return r.Events.Append(ctx, tx, events.ProjectEscalated, id, "project", id, actorID, events.EventPayload{
			"status": status,
			"reason": reason,
		})
	})
	return marked, err
}

func (r Repo) conflictFor(ctx context.Context, id string, expected domain.Status, expectedVersion int64) error {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return err
	}
	return &ConflictError{ProjectID: id, ExpectedStatus: expected, ActualStatus: p.Status, ExpectedVersion: expectedVersion, ActualVersion: p.Version}
}

func rawOrNil(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func rawOrNull(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := db.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
