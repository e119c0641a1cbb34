package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
)

// InsertRound stores a round with its tasks and abandons any other open round of
// the same project.
func (r Repo) InsertRound(ctx context.Context, round domain.ValidationRound, tasks []domain.ValidationTask) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE validation_rounds SET status=?, resolved_at=? WHERE project_id=? AND status=? AND id<>?`),
			domain.RoundAbandoned, db.FormatTime(round.CreatedAt), round.ProjectID, domain.RoundOpen, round.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO validation_rounds(id,project_id,status,deadline,created_at) VALUES (?,?,?,?,?)`),
			round.ID, round.ProjectID, round.Status, db.FormatTime(round.Deadline), db.FormatTime(round.CreatedAt)); err != nil {
			return err
		}
		for _, t := range tasks {
			resource, err := json.Marshal(t.Resource)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, r.q(`INSERT INTO validation_tasks(id,project_id,round_id,attribute,resource_json,question,tier,status,token,attempts,created_at,timeout_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
				t.ID, t.ProjectID, t.RoundID, t.Attribute, string(resource), t.Question, t.Tier, t.Status, t.Token, t.Attempts,
				db.FormatTime(t.CreatedAt), db.FormatTime(t.TimeoutAt))
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.Attribute, err)
			}
		}
		return nil
	})
}

func (r Repo) GetRound(ctx context.Context, id string) (domain.ValidationRound, error) {
	var (
		v                   domain.ValidationRound
		deadline, createdAt string
		resolvedAt          sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,project_id,status,deadline,created_at,resolved_at FROM validation_rounds WHERE id=?`), id).
		Scan(&v.ID, &v.ProjectID, &v.Status, &deadline, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if v.Deadline, err = db.ParseTime(deadline); err != nil {
		return v, err
	}
	if v.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return v, err
	}
	v.ResolvedAt, err = parseNullTime(resolvedAt)
	return v, err
}

// ResolveRound closes an open round. It reports false if the round was already closed.
func (r Repo) ResolveRound(ctx context.Context, id string, status domain.RoundStatus, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE validation_rounds SET status=?, resolved_at=? WHERE id=? AND status=?`),
		status, db.FormatTime(at), id, domain.RoundOpen)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const taskColumns = `id,project_id,round_id,attribute,resource_json,question,tier,status,token,attempts,COALESCE(dispatch_id,''),result_json,
created_at,sent_at,answered_at,timeout_at`

func scanTask(row scanner) (domain.ValidationTask, error) {
	var (
		t                    domain.ValidationTask
		resource             string
		result               sql.NullString
		createdAt, timeoutAt string
		sentAt, answeredAt   sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.RoundID, &t.Attribute, &resource, &t.Question, &t.Tier, &t.Status, &t.Token, &t.Attempts,
		&t.DispatchID, &result, &createdAt, &sentAt, &answeredAt, &timeoutAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(resource), &t.Resource); err != nil {
		return t, fmt.Errorf("decode resource of task %s: %w", t.ID, err)
	}
	t.Result = rawOrNil(result)
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return t, err
	}
	if t.TimeoutAt, err = db.ParseTime(timeoutAt); err != nil {
		return t, err
	}
	if t.SentAt, err = parseNullTime(sentAt); err != nil {
		return t, err
	}
	t.AnsweredAt, err = parseNullTime(answeredAt)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.ValidationTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM validation_tasks WHERE id=?`), id))
}

func (r Repo) GetTaskByToken(ctx context.Context, token string) (domain.ValidationTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM validation_tasks WHERE token=?`), token))
}

// ListTasks returns the tasks of a round in creation order.
func (r Repo) ListTasks(ctx context.Context, roundID string) ([]domain.ValidationTask, error) {
	return r.listTasks(ctx, `WHERE round_id=? ORDER BY created_at, attribute`, roundID)
}

func (r Repo) listTasks(ctx context.Context, where string, args ...any) ([]domain.ValidationTask, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+taskColumns+` FROM validation_tasks `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTaskSent moves a pending task to sent.
func (r Repo) MarkTaskSent(ctx context.Context, id, dispatchID string, at time.Time) (bool, error) {
	return r.updateTask(ctx, `UPDATE validation_tasks SET status=?, dispatch_id=?, sent_at=?, attempts=attempts+1 WHERE id=? AND status=?`,
		domain.TaskSent, nullable(dispatchID), db.FormatTime(at), id, domain.TaskPending)
}

// MarkTaskSkipped moves a pending task to skipped_duplicate.
func (r Repo) MarkTaskSkipped(ctx context.Context, id string) (bool, error) {
	return r.updateTask(ctx, `UPDATE validation_tasks SET status=? WHERE id=? AND status=?`,
		domain.TaskSkippedDuplicate, id, domain.TaskPending)
}

// RecordTaskFailure counts a failed dispatch; the task stays pending.
func (r Repo) RecordTaskFailure(ctx context.Context, id string) (bool, error) {
	return r.updateTask(ctx, `UPDATE validation_tasks SET attempts=attempts+1 WHERE id=? AND status=?`, id, domain.TaskPending)
}

// AnswerTask stores the first answer. It reports false when the task was already
// answered, timed out or skipped.
func (r Repo) AnswerTask(ctx context.Context, id string, result json.RawMessage, at time.Time) (bool, error) {
	return r.updateTask(ctx, `UPDATE validation_tasks SET status=?, result_json=?, answered_at=? WHERE id=? AND status IN (?,?)`,
		domain.TaskAnswered, rawOrNull(result), db.FormatTime(at), id, domain.TaskPending, domain.TaskSent)
}

// ExpireTask times out a task that is still waiting.
func (r Repo) ExpireTask(ctx context.Context, id string) (bool, error) {
	return r.updateTask(ctx, `UPDATE validation_tasks SET status=? WHERE id=? AND status IN (?,?)`,
		domain.TaskTimedOut, id, domain.TaskPending, domain.TaskSent)
}

// ListOverdueTasks returns waiting tasks of open rounds whose timeout has passed.
func (r Repo) ListOverdueTasks(ctx context.Context, now time.Time) ([]domain.ValidationTask, error) {
	return r.listTasks(ctx, `WHERE status IN (?,?) AND timeout_at<=? AND round_id IN (SELECT id FROM validation_rounds WHERE status=?) ORDER BY timeout_at`,
		domain.TaskPending, domain.TaskSent, db.FormatTime(now), domain.RoundOpen)
}

func (r Repo) updateTask(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
