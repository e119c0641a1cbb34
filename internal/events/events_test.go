package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/db"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
)

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(conn, dialect)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := events.Writer{Dialect: dialect, Now: func() time.Time { return now }}
	for i, typ := range []string{events.ProjectSubmitted, events.TaskDispatched, events.TaskDispatched, events.ResponseRecorded} {
		project := "p1"
		if i == 2 {
			project = "p2"
		}
		require.NoError(t, w.Append(ctx, conn, typ, project, "project", project, "tester", events.EventPayload{"n": i}))
	}
	require.NoError(t, w.Append(ctx, conn, events.LockOrphaned, "", "lock", "", "recovery", nil))

	r := events.Reader{DB: conn, Dialect: dialect}
	all, err := r.List(ctx, events.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.True(t, now.Equal(all[0].TS))
	assert.JSONEq(t, `{"n":0}`, all[0].Payload)
	assert.Empty(t, all[4].ProjectID)
	assert.JSONEq(t, `{}`, all[4].Payload)

	p1, err := r.List(ctx, events.Filter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, p1, 3)

	dispatched, err := r.List(ctx, events.Filter{Type: events.TaskDispatched, AfterID: all[1].ID})
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
	assert.Equal(t, "p2", dispatched[0].ProjectID)

	latest, err := r.List(ctx, events.Filter{Limit: 2, Newest: true})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, []int64{all[3].ID, all[4].ID}, []int64{latest[0].ID, latest[1].ID})
}
