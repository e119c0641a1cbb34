package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
)

// Commit describes one status change.
type Commit struct {
	ProjectID string
	From      domain.Status
	To        domain.Status
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
	Patch           domain.Patch
	Actor           domain.Actor
	Reasoning       string
}

// CommitTransition applies c atomically: the row update is conditional on status and
// version, the transition record is appended and the named signal is consumed in the
// same transaction.
func (r Repo) CommitTransition(ctx context.Context, c Commit) (domain.Project, error) {
	var out domain.Project
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.getProject(ctx, tx, c.ProjectID)
		if err != nil {
			return err
		}
		if cur.Status != c.From || (c.ExpectedVersion != 0 && cur.Version != c.ExpectedVersion) {
			return &ConflictError{ProjectID: c.ProjectID, ExpectedStatus: c.From, ActualStatus: cur.Status,
				ExpectedVersion: c.ExpectedVersion, ActualVersion: cur.Version}
		}
		if !domain.CanTransition(cur.Status, c.To, cur.BlockedFrom) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, c.To)
		}
		now := r.now()
		next := applyPatch(cur, c.Patch)
		next.Status = c.To
		next.StatusSince = now
		next.UpdatedAt = now
		next.Version = cur.Version + 1
		next.Attempts = 0
		next.Escalated = false
		next.EscalationReason = ""
		next.EscalatedAt = nil
		next.TimeoutAt = c.Patch.TimeoutAt
		switch {
		case c.To == domain.StatusBlocked:
			next.BlockedFrom = cur.Status
			if c.Reasoning != "" {
				next.LastError = c.Reasoning
			}
		case cur.Status == domain.StatusBlocked:
			next.BlockedFrom = ""
			next.LastError = ""
		default:
			next.LastError = ""
		}
		if err := domain.CheckPayloads(next); err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistentPayload, err)
		}
		if err := r.updateProject(ctx, tx, cur, next); err != nil {
			return err
		}
		if c.Patch.ConsumeSignal != "" {
			res, err := tx.ExecContext(ctx, r.q(`UPDATE signals SET consumed_at=? WHERE token=? AND project_id=? AND consumed_at IS NULL`),
				db.FormatTime(now), c.Patch.ConsumeSignal, c.ProjectID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &ConflictError{ProjectID: c.ProjectID, ExpectedStatus: c.From, ActualStatus: cur.Status,
					ExpectedVersion: cur.Version, ActualVersion: cur.Version}
			}
		}
		digest, err := PayloadDigest(c.Patch)
		if err != nil {
			return err
		}
		var seq int
		if err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(seq),0)+1 FROM transitions WHERE project_id=?`), c.ProjectID).Scan(&seq); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.q(`INSERT INTO transitions(id,project_id,seq,from_status,to_status,actor_kind,actor_id,reasoning,payload_digest,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`),
			uuid.NewString(), c.ProjectID, seq, cur.Status, c.To, c.Actor.Kind, c.Actor.ID, nullable(c.Reasoning), digest, db.FormatTime(now))
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return out, nil
}

func (r Repo) updateProject(ctx context.Context, tx *sql.Tx, cur, next domain.Project) error {
	state, err := json.Marshal(next.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var value any
	if next.EstimatedValue != nil {
		b, err := json.Marshal(next.EstimatedValue)
		if err != nil {
			return err
		}
		value = string(b)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE projects SET status=?, requirements_json=?, plan_json=?, proposal_json=?, estimated_value_json=?,
state_json=?, round_id=?, timeout_at=?, attempts=?, last_error=?, blocked_from=?, escalated=0, escalation_reason=NULL, escalated_at=NULL,
version=?, status_since=?, updated_at=? WHERE id=? AND status=? AND version=?`),
		next.Status, rawOrNull(next.Requirements), rawOrNull(next.Plan), rawOrNull(next.Proposal), value,
		string(state), nullable(next.RoundID), db.NullTime(next.TimeoutAt), next.Attempts, nullable(next.LastError), nullable(string(next.BlockedFrom)),
		next.Version, db.FormatTime(next.StatusSince), db.FormatTime(next.UpdatedAt), cur.ID, cur.Status, cur.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ConflictError{ProjectID: cur.ID, ExpectedStatus: cur.Status, ActualStatus: cur.Status,
			ExpectedVersion: cur.Version, ActualVersion: cur.Version}
	}
	return nil
}

func applyPatch(p domain.Project, patch domain.Patch) domain.Project {
	if len(patch.Requirements) > 0 {
		p.Requirements = patch.Requirements
	}
	if len(patch.Plan) > 0 {
		p.Plan = patch.Plan
	}
	if len(patch.Proposal) > 0 {
		p.Proposal = patch.Proposal
	}
	if patch.EstimatedValue != nil {
		p.EstimatedValue = patch.EstimatedValue
	}
	if patch.RoundID != nil {
		p.RoundID = *patch.RoundID
	}
	merged := make(map[string]any, len(p.State)+len(patch.State))
	for k, v := range p.State {
		merged[k] = v
	}
	for k, v := range patch.State {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	p.State = merged
	return p
}

// PayloadDigest is the sha256 of the RFC 8785 canonical form of the patch.
func PayloadDigest(patch domain.Patch) (string, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return "", fmt.Errorf("encode patch: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize patch: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ListTransitions returns the history of a project oldest first.
func (r Repo) ListTransitions(ctx context.Context, projectID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,project_id,from_status,to_status,actor_kind,actor_id,COALESCE(reasoning,''),COALESCE(payload_digest,''),created_at
FROM transitions WHERE project_id=? ORDER BY seq`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var (
			t  domain.TransitionRecord
			ts string
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.FromStatus, &t.ToStatus, &t.ActorKind, &t.ActorID, &t.Reasoning, &t.PayloadDigest, &ts); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = db.ParseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
