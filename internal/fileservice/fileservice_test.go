package fileservice

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomicobject/vaultd/internal/eventbus"
	"github.com/atomicobject/vaultd/internal/vaulterr"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	return New("v1", root, eventbus.New()), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindMarkdown, DetectKind("Notes/a.md"))
	assert.Equal(t, KindImage, DetectKind("attachments/photo.PNG"))
	assert.Equal(t, KindOther, DetectKind("data.bin"))
}

func TestCreate_ThenRead_RoundTripsContent(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create("note.md", []byte("---\ntitle: Hi\n---\nHello world.\n"))
	require.NoError(t, err)

	result, err := svc.Read("note.md")
	require.NoError(t, err)
	assert.Equal(t, "Hello world.\n", result.Content)
	require.NotNil(t, result.Frontmatter)
}

func TestCreate_FailsIfFileExists(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create("note.md", []byte("one"))
	require.NoError(t, err)

	_, err = svc.Create("note.md", []byte("two"))
	require.Error(t, err)
	kind, ok := vaulterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, vaulterr.Conflict, kind)
}

func TestWrite_RoundTripIsByteStableExceptBody(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "note.md", "---\nzeta: 1\nalpha: 2\n---\nOld body.\n")

	read, err := svc.Read("note.md")
	require.NoError(t, err)

	_, err = svc.Write("note.md", "New body.\n", read.Frontmatter, time.Time{})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(root, "note.md"))
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "New body.\n")
	zetaIdx := bytes.Index(raw, []byte("zeta"))
	alphaIdx := bytes.Index(raw, []byte("alpha"))
	assert.True(t, zetaIdx >= 0 && alphaIdx > zetaIdx, "expected key order preserved, got: %s", content)
}

func TestWrite_ConflictWhenMtimeDiffers(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "note.md", "body one\n")

	stale := time.Now().Add(-time.Hour)
	_, err := svc.Write("note.md", "body two\n", nil, stale)
	require.Error(t, err)
	kind, ok := vaulterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, vaulterr.Conflict, kind)
}

func TestCreateDirectory_IsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.CreateDirectory("Projects/Q1"))
	require.NoError(t, svc.CreateDirectory("Projects/Q1"))
}

func TestDelete_MovesToTrashWithCollisionSuffix(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "note.md", "first\n")
	require.NoError(t, svc.Delete("note.md"))
	assert.FileExists(t, filepath.Join(root, ".trash", "note.md"))

	writeFile(t, root, "note.md", "second\n")
	require.NoError(t, svc.Delete("note.md"))
	assert.FileExists(t, filepath.Join(root, ".trash", "note-1.md"))
}

func TestMove_PublishesRenamedEvent(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "old.md", "content\n")

	sub := svc.Bus.Subscribe(svc.VaultID)
	defer sub.Close()

	require.NoError(t, svc.Move("old.md", "new.md"))
	assert.FileExists(t, filepath.Join(root, "new.md"))
	assert.NoFileExists(t, filepath.Join(root, "old.md"))

	select {
	case evt := <-sub.Events():
		assert.Equal(t, eventbus.Renamed, evt.Type)
		assert.Equal(t, "old.md", evt.From)
		assert.Equal(t, "new.md", evt.To)
	case <-time.After(time.Second):
		t.Fatal("expected a Renamed event")
	}
}

func TestMove_FailsWhenDestinationExists(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "a.md", "a\n")
	writeFile(t, root, "b.md", "b\n")

	err := svc.Move("a.md", "b.md")
	require.Error(t, err)
	kind, ok := vaulterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, vaulterr.Conflict, kind)
}

func TestUpload_PartialSuccess(t *testing.T) {
	svc, root := newTestService(t)

	written, errs := svc.Upload("Attachments", []NamedBlob{
		{Name: "good.png", Content: []byte("fake-png-bytes")},
		{Name: "CON.png", Content: []byte("x")},
	})
	require.Len(t, written, 1)
	require.Len(t, errs, 1)
	assert.Equal(t, "CON.png", errs[0].Name)
	assert.FileExists(t, filepath.Join(root, "Attachments", "good.png"))
}

func TestListTree_DirectoriesFirstThenCaseInsensitive(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "zebra.md", "z\n")
	writeFile(t, root, "Apple.md", "a\n")
	writeFile(t, root, "folder/inner.md", "i\n")

	tree, err := svc.ListTree(false)
	require.NoError(t, err)
	require.Len(t, tree.Children, 3)
	assert.True(t, tree.Children[0].IsDir)
	assert.Equal(t, "folder", tree.Children[0].Name)
	assert.Equal(t, "Apple.md", tree.Children[1].Name)
	assert.Equal(t, "zebra.md", tree.Children[2].Name)
}

func TestListTree_HiddenFilesExcludedByDefault(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, ".obsidian/config.json", "{}")
	writeFile(t, root, "note.md", "x\n")

	tree, err := svc.ListTree(false)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "note.md", tree.Children[0].Name)
}

func TestDownloadZip_BundlesFilesAndDirectories(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "a.md", "alpha\n")
	writeFile(t, root, "dir/b.md", "beta\n")

	var buf bytes.Buffer
	require.NoError(t, svc.DownloadZip(&buf, []string{"a.md", "dir"}))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["a.md"])
	assert.True(t, names["dir/b.md"])
	_ = root
}

func TestRandomMarkdown_RespectsFolderFilter(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "Projects/a.md", "a\n")
	writeFile(t, root, "Archive/b.md", "b\n")

	for i := 0; i < 10; i++ {
		pick, err := svc.RandomMarkdown(Filters{FolderPrefix: "Projects"})
		require.NoError(t, err)
		assert.Equal(t, "Projects/a.md", pick)
	}
}

func TestRandomMarkdown_RespectsTagFilter(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "a.md", "---\ntags:\n  - keep\n---\nbody\n")
	writeFile(t, root, "b.md", "---\ntags:\n  - drop\n---\nbody\n")

	pick, err := svc.RandomMarkdown(Filters{Tag: "keep"})
	require.NoError(t, err)
	assert.Equal(t, "a.md", pick)
}

func TestRandomMarkdown_NoMatchesReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RandomMarkdown(Filters{})
	require.Error(t, err)
	kind, ok := vaulterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, vaulterr.NotFound, kind)
}

func TestListIndexable_SkipsExcludedDirectories(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "note.md", "content\n")
	writeFile(t, root, ".git/HEAD", "ref\n")

	records, err := svc.ListIndexable()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "note.md", records[0].Path)
}

func TestReadIndexable_ReturnsBodyAndTags(t *testing.T) {
	svc, root := newTestService(t)
	writeFile(t, root, "note.md", "---\ntags:\n  - project\n---\nBody text.\n")

	content, tags, err := svc.ReadIndexable("note.md")
	require.NoError(t, err)
	assert.Equal(t, "Body text.\n", content)
	assert.Equal(t, []string{"project"}, tags)
}
