package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
)

// ExpectSignal registers a token for a reply that has not arrived yet.
func (r Repo) ExpectSignal(ctx context.Context, token, projectID string, kind domain.SignalKind) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO signals(token,project_id,kind,created_at) VALUES (?,?,?,?) ON CONFLICT(token) DO NOTHING`),
		token, projectID, kind, db.FormatTime(r.now()))
	return err
}

// RecordSignal stores the first payload for token. Later payloads are ignored and
// reported with recorded false.
func (r Repo) RecordSignal(ctx context.Context, token string, payload json.RawMessage) (domain.Signal, bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE signals SET payload_json=?, received_at=? WHERE token=? AND received_at IS NULL`),
		rawOrNull(payload), db.FormatTime(r.now()), token)
	if err != nil {
		return domain.Signal{}, false, err
	}
	n, _ := res.RowsAffected()
	sig, err := r.GetSignal(ctx, token)
	if err != nil {
		return domain.Signal{}, false, err
	}
	return sig, n > 0, nil
}

const signalColumns = `token,project_id,kind,payload_json,created_at,received_at,consumed_at`

func scanSignal(row scanner) (domain.Signal, error) {
	var (
		s                    domain.Signal
		payload              sql.NullString
		createdAt            string
		receivedAt, consumed sql.NullString
	)
	err := row.Scan(&s.Token, &s.ProjectID, &s.Kind, &payload, &createdAt, &receivedAt, &consumed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Payload = rawOrNil(payload)
	if s.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return s, err
	}
	if s.ReceivedAt, err = parseNullTime(receivedAt); err != nil {
		return s, err
	}
	s.ConsumedAt, err = parseNullTime(consumed)
	return s, err
}

func (r Repo) GetSignal(ctx context.Context, token string) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx, r.q(`SELECT `+signalColumns+` FROM signals WHERE token=?`), token))
}

// OpenSignal returns the newest unconsumed signal of kind for a project.
func (r Repo) OpenSignal(ctx context.Context, projectID string, kind domain.SignalKind) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx, r.q(`SELECT `+signalColumns+` FROM signals
WHERE project_id=? AND kind=? AND consumed_at IS NULL ORDER BY created_at DESC, token DESC LIMIT 1`), projectID, kind))
}
