package searchindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFile struct {
	kind    string
	content string
	tags    []string
}

type fakeProvider struct {
	files map[string]fakeFile
}

func newFakeProvider() *fakeProvider { return &fakeProvider{files: make(map[string]fakeFile)} }

func (p *fakeProvider) add(path, kind, content string, tags ...string) {
	p.files[path] = fakeFile{kind: kind, content: content, tags: tags}
}

func (p *fakeProvider) ListIndexable() ([]Record, error) {
	var recs []Record
	for path, f := range p.files {
		recs = append(recs, Record{Path: path, Kind: f.kind})
	}
	return recs, nil
}

func (p *fakeProvider) ReadIndexable(path string) (string, []string, error) {
	f := p.files[path]
	return f.content, f.tags, nil
}

func TestTokenize_UnicodeAlphanumericRuns(t *testing.T) {
	tokens := Tokenize("Hello, café123! 42")
	var texts []string
	for _, tok := range tokens {
		texts = append(texts, tok.Text)
	}
	assert.Equal(t, []string{"hello", "café123", "42"}, texts)
}

func TestReindex_BareTermSearch_CaseInsensitive(t *testing.T) {
	provider := newFakeProvider()
	provider.add("Notes/Project.md", "markdown", "This is a Project about Widgets.")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("WIDGETS", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Notes/Project.md", results[0].Path)
}

func TestSearch_ImplicitAND_RequiresAllTerms(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "apples and bananas")
	provider.add("b.md", "markdown", "apples only")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("apples bananas", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Path)
}

func TestSearch_ExcludeTerm(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "apples and bananas")
	provider.add("b.md", "markdown", "apples only")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("apples -bananas", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.md", results[0].Path)
}

func TestSearch_ExactPhrase(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "the quick brown fox")
	provider.add("b.md", "markdown", "quick and the fox were separate")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search(`"quick brown fox"`, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Path)
}

func TestSearch_PathAndFileFilters(t *testing.T) {
	provider := newFakeProvider()
	provider.add("Projects/alpha.md", "markdown", "widget design notes")
	provider.add("Archive/alpha.md", "markdown", "widget design notes")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("widget path:Projects", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Projects/alpha.md", results[0].Path)
}

func TestSearch_TagFilter_FromFrontmatterAndInline(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "no tags here at all")
	provider.add("b.md", "markdown", "inline #project tag here")
	provider.add("c.md", "markdown", "fm tag note", "project")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("tag:project", 10, 0)
	require.NoError(t, err)
	var paths []string
	for _, r := range results {
		paths = append(paths, r.Path)
	}
	assert.ElementsMatch(t, []string{"b.md", "c.md"}, paths)
}

func TestSearch_ScoreOrdering_FilenameWeightedAboveContent(t *testing.T) {
	provider := newFakeProvider()
	provider.add("widget.md", "markdown", "irrelevant body text")
	provider.add("other.md", "markdown", "widget mentioned once", "widget")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("widget", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// widget.md: filename_hits=1 -> score 3. other.md: content_hits=1 ->
	// score 1; its "widget" tag scores only for a tag: query, which this
	// query does not use.
	assert.Equal(t, "widget.md", results[0].Path)
}

func TestSearch_ZeroScoreResultsExcluded(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "nothing matching")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("zzzznomatch", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpdate_ReplacesPostingsForExistingFile(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "old content here")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	provider.add("a.md", "markdown", "new content entirely")
	require.NoError(t, idx.Update(provider, "a.md"))

	results, err := idx.Search("old", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search("entirely", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestRemove_DropsFileFromSearch(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "unique needle content")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))
	idx.Remove("a.md")

	results, err := idx.Search("needle", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRename_PreservesPostingsUnderNewPath(t *testing.T) {
	provider := newFakeProvider()
	provider.add("old.md", "markdown", "unique needle content")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))
	idx.Rename("old.md", "new.md")

	results, err := idx.Search("needle", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new.md", results[0].Path)
}

func TestSearch_LimitAndOffset(t *testing.T) {
	provider := newFakeProvider()
	provider.add("a.md", "markdown", "shared term alpha")
	provider.add("b.md", "markdown", "shared term beta")
	provider.add("c.md", "markdown", "shared term gamma")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	results, err := idx.Search("shared", 1, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestWikiTargets_PopulatedFromIndexedFilenames(t *testing.T) {
	provider := newFakeProvider()
	provider.add("Notes/My Note.md", "markdown", "hello")

	idx := New("v1")
	require.NoError(t, idx.Reindex(provider))

	idx.mu.RLock()
	paths := idx.snap.wikiTargets["my note"]
	idx.mu.RUnlock()
	assert.Equal(t, []string{"Notes/My Note.md"}, paths)
}
