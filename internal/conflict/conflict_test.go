package conflict

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atomicobject/vaultd/internal/vaulterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_NoIfModifiedAt_AlwaysProceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	res, err := Check(path, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Proceed)
}

func TestCheck_FileMissing_Proceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.md")

	res, err := Check(path, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Proceed)
}

func TestCheck_MatchingMTime_Proceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	res, err := Check(path, info.ModTime())
	require.NoError(t, err)
	assert.True(t, res.Proceed)
}

func TestCheck_StaleMTime_ConflictsAndBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.md")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	staleTime := info.ModTime()

	// Simulate another writer updating the file after the client last read it.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("updated-by-another-client"), 0o644))

	res, err := Check(path, staleTime)
	require.Error(t, err)
	assert.False(t, res.Proceed)

	var ve *vaulterr.Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, vaulterr.Conflict, ve.Kind)
	require.NotEmpty(t, ve.BackupPath)

	backup, err := os.ReadFile(ve.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "updated-by-another-client", string(backup))
}
