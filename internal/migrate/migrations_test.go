package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	pending, err := Pending(context.Background(), conn, dialect)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	v, err := Migrate(conn, dialect)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = Migrate(conn, dialect)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	pending, err = Pending(context.Background(), conn, dialect)
	require.NoError(t, err)
	assert.Empty(t, pending)

	for _, table := range []string{"projects", "transitions", "validation_tasks", "signals", "events", "locks", "work_queue", "dedup_markers", "threads", "workers"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
	var name string
	require.NoError(t, conn.QueryRow(`SELECT name FROM schema_migrations WHERE version=1`).Scan(&name))
	assert.Equal(t, "0001_init.sql", name)
}

func TestDialectsShipSameVersions(t *testing.T) {
	lite, err := Plan(db.SQLite)
	require.NoError(t, err)
	pg, err := Plan(db.Postgres)
	require.NoError(t, err)
	require.Len(t, pg, len(lite))
	for i := range lite {
		assert.Equal(t, lite[i].Version, pg[i].Version)
	}
}

func TestParseOrdersAndRejectsBadNames(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_more.sql": {Data: []byte("B")},
		"m/0001_init.sql": {Data: []byte("A")},
		"m/README.md":     {Data: []byte("ignored")},
	}
	got, err := parse(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Migration{Version: 1, Name: "0001_init.sql", SQL: "A"}, got[0])
	assert.Equal(t, 2, got[1].Version)

	fsys["m/0002_again.sql"] = &fstest.MapFile{Data: []byte("C")}
	_, err = parse(fsys, "m")
	assert.ErrorContains(t, err, "share version 2")

	_, err = parse(fstest.MapFS{"m/init.sql": {Data: []byte("x")}}, "m")
	assert.ErrorContains(t, err, "invalid migration filename")

	_, err = Plan("oracle")
	assert.Error(t, err)
}
