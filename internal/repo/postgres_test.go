package repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
)

func newMockRepo(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	now := func() time.Time { return testNow }
	return Repo{DB: conn, Dialect: db.Postgres, Events: events.Writer{Dialect: db.Postgres, Now: now}, Now: now}, mock
}

func projectRow(id string, status domain.Status, version int64) *sqlmock.Rows {
	ts := db.FormatTime(testNow)
	return sqlmock.NewRows([]string{"id", "status", "meta_json", "priority", "requirements_json", "plan_json", "proposal_json",
		"estimated_value_json", "state_json", "round_id", "timeout_at", "attempts", "last_error", "blocked_from", "escalated",
		"escalation_reason", "escalated_at", "version", "status_since", "created_at", "updated_at"}).
		AddRow(id, string(status), `{"title":"t","client_name":"c","client_email":"c@x.test"}`, "medium", nil, nil, nil,
			nil, `{}`, "", nil, 0, "", "", false, "", nil, version, ts, ts, ts)
}

func TestPostgresCommitLostRaceIsConflict(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id,status,meta_json")).
		WithArgs("p-1").
		WillReturnRows(projectRow("p-1", domain.StatusReceived, 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projects SET status=$1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := r.CommitTransition(context.Background(), Commit{ProjectID: "p-1", From: domain.StatusReceived, To: domain.StatusAnalyzing, Actor: domain.System("w1")})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(4), conflict.ExpectedVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitWritesTransition(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id,status,meta_json")).
		WithArgs("p-1").
		WillReturnRows(projectRow("p-1", domain.StatusReceived, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projects SET status=$1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq),0)+1 FROM transitions WHERE project_id=$1")).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transitions(")).
		WithArgs(sqlmock.AnyArg(), "p-1", 1, domain.StatusReceived, domain.StatusAnalyzing, domain.ActorAutomatic, "w1", nil, sqlmock.AnyArg(), db.FormatTime(testNow)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p, err := r.CommitTransition(context.Background(), Commit{ProjectID: "p-1", From: domain.StatusReceived, To: domain.StatusAnalyzing, Actor: domain.System("w1")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalyzing, p.Status)
	assert.Equal(t, int64(2), p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkEscalatedRebinds(t *testing.T) {
	r, mock := newMockRepo(t)
	ts := db.FormatTime(testNow)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projects SET escalated=1, escalation_reason=$1, escalated_at=$2, updated_at=$3 WHERE id=$4 AND status=$5 AND escalated=0")).
		WithArgs("stuck", ts, ts, "p-1", domain.StatusReviewReady).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES ($1,$2,$3,$4,$5,$6,$7)")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ok, err := r.MarkEscalated(context.Background(), "p-1", domain.StatusReviewReady, "stuck", "recovery")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
