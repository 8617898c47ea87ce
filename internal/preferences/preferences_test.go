package preferences

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MissingFile_StartsEmpty(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "preferences.json"))
	require.NoError(t, err)
	assert.Empty(t, store.GetRecent("v1"))
}

func TestAppendRecent_MostRecentFirst(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "preferences.json"))
	require.NoError(t, err)

	require.NoError(t, store.AppendRecent("v1", "a.md"))
	require.NoError(t, store.AppendRecent("v1", "b.md"))

	recent := store.GetRecent("v1")
	require.Len(t, recent, 2)
	assert.Equal(t, "b.md", recent[0].RelativePath)
	assert.Equal(t, "a.md", recent[1].RelativePath)
}

func TestAppendRecent_ReopeningMovesToFront(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "preferences.json"))
	require.NoError(t, err)

	require.NoError(t, store.AppendRecent("v1", "a.md"))
	require.NoError(t, store.AppendRecent("v1", "b.md"))
	require.NoError(t, store.AppendRecent("v1", "a.md"))

	recent := store.GetRecent("v1")
	require.Len(t, recent, 2)
	assert.Equal(t, "a.md", recent[0].RelativePath)
	assert.Equal(t, "b.md", recent[1].RelativePath)
}

func TestAppendRecent_EvictsOldestPastMax(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "preferences.json"))
	require.NoError(t, err)
	store.maxRecent = 2

	require.NoError(t, store.AppendRecent("v1", "a.md"))
	require.NoError(t, store.AppendRecent("v1", "b.md"))
	require.NoError(t, store.AppendRecent("v1", "c.md"))

	recent := store.GetRecent("v1")
	require.Len(t, recent, 2)
	assert.Equal(t, "c.md", recent[0].RelativePath)
	assert.Equal(t, "b.md", recent[1].RelativePath)
}

func TestAppendRecent_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.json")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.AppendRecent("v1", "a.md"))

	reopened, err := Open(path)
	require.NoError(t, err)
	recent := reopened.GetRecent("v1")
	require.Len(t, recent, 1)
	assert.Equal(t, "a.md", recent[0].RelativePath)
}

func TestBlob_RoundTrips(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "preferences.json"))
	require.NoError(t, err)

	type settings struct {
		Theme string `json:"theme"`
	}
	require.NoError(t, store.SetBlob(settings{Theme: "dark"}))

	var got settings
	require.NoError(t, store.Blob(&got))
	assert.Equal(t, "dark", got.Theme)
}

func TestRecentFilesAreIsolatedPerVault(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "preferences.json"))
	require.NoError(t, err)

	require.NoError(t, store.AppendRecent("v1", "a.md"))
	require.NoError(t, store.AppendRecent("v2", "b.md"))

	assert.Len(t, store.GetRecent("v1"), 1)
	assert.Len(t, store.GetRecent("v2"), 1)
}
