package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE projects SET status=?, version=version+1 WHERE id=? AND version=?`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `UPDATE projects SET status=$1, version=version+1 WHERE id=$2 AND version=$3`, Postgres.Rebind(q))
	assert.Equal(t, "SELECT 1", Postgres.Rebind("SELECT 1"))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.Ping())
	assert.FileExists(t, filepath.Join(dir, ".proposalflow", "proposalflow.db"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(Config{Driver: "mysql"})
	require.Error(t, err)
	_, _, err = Open(Config{Driver: "postgres"})
	require.Error(t, err)
}
