package events

import (
	"context"
	"database/sql"
	"slices"
	"strings"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
)

type Reader struct {
	DB      *sql.DB
	Dialect db.Dialect
}

type Filter struct {
	ProjectID string
	Type      string
	AfterID   int64
	Limit     int
	// Newest selects the last Limit matching events; they are still returned in id order.
	Newest bool
}

// List returns events in id order.
func (r Reader) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.Newest {
		query += " ORDER BY id DESC"
	} else {
		query += " ORDER BY id"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var (
			e  domain.Event
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = db.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Newest {
		slices.Reverse(out)
	}
	return out, nil
}
