package db

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestMigration(t *testing.T) {
	latest, err := LatestMigration()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, path))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "2 migration(s) pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	assert.Contains(t, out.String(), "Current version: 2")
	assert.NotContains(t, out.String(), "pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"down"}, path))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"force", "2"}, path))
	assert.Contains(t, out.String(), "Forced version 2")
	assert.Contains(t, out.String(), "Dirty: false")
}

func TestRunMigrateCommandErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	var out bytes.Buffer

	assert.Error(t, RunMigrateCommand(&out, nil, path))
	assert.Contains(t, out.String(), "Usage:")

	assert.Error(t, RunMigrateCommand(&out, []string{"sideways"}, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"force"}, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"force", "x"}, path))

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"help"}, path))
	assert.Contains(t, out.String(), "force <version>")
}
