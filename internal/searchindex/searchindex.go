// Package searchindex is the per-vault inverted index from spec §4.3: full
// text postings, a parallel filename index, and the wiki_targets title map
// WikiLinkResolver consumes.
//
// Grounded on the teacher CLI's pkg/cache.Service: that package already
// keeps a mutex-guarded map of path -> Entry refreshed from FS events and
// rebuilt wholesale on demand (see its EnsureReady/Refresh/markDirty
// trio). SearchIndex generalizes the same "off-lock build, swap under
// lock" discipline to a real inverted index instead of one Entry per path,
// since concurrent Search callers must never observe a half-updated
// posting list (spec §5).
package searchindex

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/atomicobject/vaultd/internal/vaulterr"
	"github.com/atomicobject/vaultd/internal/wikilink"
)

// Record describes one indexable file as FileService reports it.
type Record struct {
	Path string // vault-relative, forward-slash
	Kind string // "markdown", "text", or anything else (indexed by filename only)
}

// ContentProvider is the thin seam between SearchIndex and FileService,
// letting tests supply an in-memory fake instead of a real vault the way
// the teacher's actions package takes a VaultManager/NoteManager
// interface rather than touching the filesystem directly.
type ContentProvider interface {
	ListIndexable() ([]Record, error)
	ReadIndexable(path string) (content string, tags []string, err error)
}

// Token is one maximal alphanumeric run, case-folded, with its byte offset
// range within the line it was found on.
type Token struct {
	Text  string
	Start int
	End int
}

// Tokenize implements spec §4.3's tokenization rule: a token is any
// maximal run of Unicode alphanumeric characters, folded to lowercase.
func Tokenize(line string) []Token {
	var tokens []Token
	runes := []rune(line)

	byteOffsets := make([]int, len(runes)+1)
	offset := 0
	for i, r := range runes {
		byteOffsets[i] = offset
		offset += len(string(r))
	}
	byteOffsets[len(runes)] = offset

	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		text := strings.ToLower(string(runes[start:end]))
		tokens = append(tokens, Token{Text: text, Start: byteOffsets[start], End: byteOffsets[end]})
		start = -1
	}
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
		} else {
			flush(i)
		}
	}
	flush(len(runes))
	return tokens
}

// Posting is one occurrence of a token.
type Posting struct {
	FileID int64
	Line   int
	Start  int
	End    int
}

// snapshot is the immutable structure readers see; every mutation builds
// a new one and swaps the pointer under the write lock.
type snapshot struct {
	postings    map[string][]Posting
	filenames   map[string][]int64 // token -> file ids whose filename contains it
	tags        map[string][]int64 // normalized tag -> file ids
	pathToID    map[string]int64
	idToPath    map[int64]string
	lines       map[int64][]string
	fileTags    map[int64][]string
	wikiTargets map[string][]string // normalized title -> relative paths
}

func emptySnapshot() *snapshot {
	return &snapshot{
		postings:    make(map[string][]Posting),
		filenames:   make(map[string][]int64),
		tags:        make(map[string][]int64),
		pathToID:    make(map[string]int64),
		idToPath:    make(map[int64]string),
		lines:       make(map[int64][]string),
		fileTags:    make(map[int64][]string),
		wikiTargets: make(map[string][]string),
	}
}

func (s *snapshot) clone() *snapshot {
	c := emptySnapshot()
	for k, v := range s.postings {
		c.postings[k] = append([]Posting(nil), v...)
	}
	for k, v := range s.filenames {
		c.filenames[k] = append([]int64(nil), v...)
	}
	for k, v := range s.tags {
		c.tags[k] = append([]int64(nil), v...)
	}
	for k, v := range s.pathToID {
		c.pathToID[k] = v
	}
	for k, v := range s.idToPath {
		c.idToPath[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = append([]string(nil), v...)
	}
	for k, v := range s.fileTags {
		c.fileTags[k] = append([]string(nil), v...)
	}
	for k, v := range s.wikiTargets {
		c.wikiTargets[k] = append([]string(nil), v...)
	}
	return c
}

// Index is one vault's inverted index.
type Index struct {
	VaultID string

	mu     sync.RWMutex
	snap   *snapshot
	nextID int64
}

// New constructs an empty index.
func New(vaultID string) *Index {
	return &Index{VaultID: vaultID, snap: emptySnapshot()}
}

const op = "searchindex"

// Reindex performs a full rebuild from scratch, per spec §4.3. The new
// snapshot is built entirely off-lock and only swapped in at the end, so
// concurrent Search calls keep serving the prior complete snapshot until
// this finishes.
func (idx *Index) Reindex(provider ContentProvider) error {
	records, err := provider.ListIndexable()
	if err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, "", err)
	}

	next := emptySnapshot()
	var nextID int64

	for _, rec := range records {
		nextID++
		id := nextID
		next.pathToID[rec.Path] = id
		next.idToPath[id] = rec.Path
		indexFilenameLocked(next, id, rec.Path)

		if !isTextual(rec.Kind) {
			continue
		}
		content, tags, err := provider.ReadIndexable(rec.Path)
		if err != nil {
			continue // unreadable file: indexed by filename only.
		}
		indexContentLocked(next, id, content, tags)
	}

	idx.mu.Lock()
	idx.snap = next
	idx.nextID = nextID
	idx.mu.Unlock()
	return nil
}

// Update re-tokenizes one file, replacing its postings atomically from a
// reader's point of view (spec §4.3 update). Callers (the per-vault watch
// loop) are expected to serialize their own calls into a single vault's
// index; Update itself only guarantees Search never observes a partial
// rewrite while it runs.
func (idx *Index) Update(provider ContentProvider, path string) error {
	var kind string
	for _, rec := range mustList(provider) {
		if rec.Path == path {
			kind = rec.Kind
			break
		}
	}

	var content string
	var tags []string
	if isTextual(kind) {
		var err error
		content, tags, err = provider.ReadIndexable(path)
		if err != nil {
			content = ""
			tags = nil
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	next := idx.snap.clone()
	id, existed := next.pathToID[path]
	if existed {
		removeFileLocked(next, id)
	} else {
		idx.nextID++
		id = idx.nextID
	}

	next.pathToID[path] = id
	next.idToPath[id] = path
	indexFilenameLocked(next, id, path)

	if isTextual(kind) {
		indexContentLocked(next, id, content, tags)
	}

	idx.snap = next
	return nil
}

func mustList(provider ContentProvider) []Record {
	records, err := provider.ListIndexable()
	if err != nil {
		return nil
	}
	return records
}

// Remove drops all postings and filename entries for path, per spec §4.3.
func (idx *Index) Remove(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.snap.pathToID[path]
	if !ok {
		return
	}
	next := idx.snap.clone()
	removeFileLocked(next, id)
	delete(next.pathToID, path)
	delete(next.idToPath, id)
	idx.snap = next
}

// Rename is a path-only update: postings are kept, the path mapping swaps.
func (idx *Index) Rename(from, to string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.snap.pathToID[from]
	if !ok {
		return
	}
	next := idx.snap.clone()
	delete(next.pathToID, from)
	next.pathToID[to] = id
	next.idToPath[id] = to

	// The filename index and wiki_targets are keyed off the path's
	// basename, so they need rebuilding for this one file; postings and
	// line text are path-independent and carry over untouched.
	removeFilenameOnlyLocked(next, id, from)
	indexFilenameLocked(next, id, to)

	idx.snap = next
}

func removeFileLocked(s *snapshot, id int64) {
	path, ok := s.idToPath[id]
	if ok {
		removeFilenameOnlyLocked(s, id, path)
	}
	for token, postings := range s.postings {
		filtered := postings[:0:0]
		for _, p := range postings {
			if p.FileID != id {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			delete(s.postings, token)
		} else {
			s.postings[token] = filtered
		}
	}
	for _, tag := range s.fileTags[id] {
		s.tags[tag] = removeID(s.tags[tag], id)
		if len(s.tags[tag]) == 0 {
			delete(s.tags, tag)
		}
	}
	delete(s.fileTags, id)
	delete(s.lines, id)
}

func removeFilenameOnlyLocked(s *snapshot, id int64, path string) {
	title := wikilink.NormalizeTitle(path)
	s.wikiTargets[title] = removePath(s.wikiTargets[title], path)
	if len(s.wikiTargets[title]) == 0 {
		delete(s.wikiTargets, title)
	}
	for _, tok := range Tokenize(path) {
		s.filenames[tok.Text] = removeID(s.filenames[tok.Text], id)
		if len(s.filenames[tok.Text]) == 0 {
			delete(s.filenames, tok.Text)
		}
	}
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func removePath(paths []string, target string) []string {
	out := paths[:0:0]
	for _, p := range paths {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func indexFilenameLocked(s *snapshot, id int64, path string) {
	title := wikilink.NormalizeTitle(path)
	s.wikiTargets[title] = append(s.wikiTargets[title], path)

	seen := make(map[string]struct{})
	for _, tok := range Tokenize(path) {
		if _, dup := seen[tok.Text]; dup {
			continue
		}
		seen[tok.Text] = struct{}{}
		s.filenames[tok.Text] = append(s.filenames[tok.Text], id)
	}
}

func indexContentLocked(s *snapshot, id int64, content string, tags []string) {
	lines := strings.Split(content, "\n")
	s.lines[id] = lines

	for lineNo, line := range lines {
		for _, tok := range Tokenize(line) {
			s.postings[tok.Text] = append(s.postings[tok.Text], Posting{FileID: id, Line: lineNo, Start: tok.Start, End: tok.End})
		}
	}

	normalizedTags := normalizeTags(tags, content)
	s.fileTags[id] = normalizedTags
	for _, tag := range normalizedTags {
		s.tags[tag] = append(s.tags[tag], id)
	}
}

func isTextual(kind string) bool {
	return kind == "markdown" || kind == "text"
}

func normalizeTags(frontmatterTags []string, content string) []string {
	set := make(map[string]struct{})
	for _, t := range frontmatterTags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(t, "#")))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	// Inline #tag tokens: scan raw text for '#' immediately followed by an
	// alphanumeric run, independent of the generic tokenizer (which drops
	// the '#').
	for _, line := range strings.Split(content, "\n") {
		runes := []rune(line)
		for i := 0; i < len(runes); i++ {
			if runes[i] != '#' {
				continue
			}
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '-' || runes[j] == '_' || runes[j] == '/') {
				j++
			}
			if j > i+1 {
				set[strings.ToLower(string(runes[i+1:j]))] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Match is one snippet returned alongside a search result.
type Match struct {
	Line     int
	LineText string
	Start    int
	End      int
}

// Result is one ranked file in a search response.
type Result struct {
	Path    string
	Score   int
	Matches []Match
}

// MaxMatchesPerFile is the spec §4.3 default and a fixed cap: callers may
// truncate Result.Matches further, but Search never returns more.
const MaxMatchesPerFile = 5

type parsedQuery struct {
	include []string // bare positive terms, as typed tokens
	exclude []string
	phrases [][]string // each phrase's constituent tokens, in order
	paths   []string
	files   []string
	tags    []string
}

// parseQuery implements the minimum query language from spec §4.3.
func parseQuery(raw string) parsedQuery {
	var q parsedQuery
	runes := []rune(raw)
	i := 0
	for i < len(runes) {
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}

		if runes[i] == '"' {
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			phrase := string(runes[i+1 : minInt(j, len(runes))])
			i = j + 1
			var tokens []string
			for _, tok := range Tokenize(phrase) {
				tokens = append(tokens, tok.Text)
			}
			if len(tokens) > 0 {
				q.phrases = append(q.phrases, tokens)
			}
			continue
		}

		start := i
		for i < len(runes) && !unicode.IsSpace(runes[i]) {
			i++
		}
		word := string(runes[start:i])

		switch {
		case strings.HasPrefix(word, "-") && len(word) > 1:
			q.exclude = append(q.exclude, strings.ToLower(word[1:]))
		case strings.HasPrefix(word, "path:"):
			q.paths = append(q.paths, strings.ToLower(strings.TrimPrefix(word, "path:")))
		case strings.HasPrefix(word, "file:"):
			q.files = append(q.files, strings.ToLower(strings.TrimPrefix(word, "file:")))
		case strings.HasPrefix(word, "tag:"):
			q.tags = append(q.tags, strings.ToLower(strings.TrimPrefix(word, "tag:")))
		default:
			q.include = append(q.include, strings.ToLower(word))
		}
	}
	return q
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Search implements spec §4.3's ranked search. It takes the read lock only
// long enough to grab the current snapshot: concurrent Search calls never
// block each other, and a Search that has its snapshot is unaffected by
// later writers, which swap in a new snapshot rather than mutating it.
// Grabbing the snapshot waits while Update/Remove/Rename hold the write
// lock to build their copy; Reindex builds off-lock and holds it only for
// the swap.
func (idx *Index) Search(query string, limit, offset int) ([]Result, error) {
	idx.mu.RLock()
	snap := idx.snap
	idx.mu.RUnlock()

	q := parseQuery(query)

	candidates := candidateFileIDs(snap, q)

	var results []Result
	for id := range candidates {
		path := snap.idToPath[id]
		if !matchesPathFilters(path, q) {
			continue
		}
		if excluded(snap, id, q.exclude) {
			continue
		}

		filenameHits := filenameHitCount(path, q)
		contentHits, contentMatches := contentHitCount(snap, id, q.include)
		phraseHits, phraseMatches := phraseHitCount(snap, id, q.phrases)
		tagHits := tagHitCount(snap, id, q.tags)

		score := 3*filenameHits + contentHits + 2*phraseHits + 5*tagHits
		if score == 0 {
			continue
		}

		matches := append(contentMatches, phraseMatches...)
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Line != matches[j].Line {
				return matches[i].Line < matches[j].Line
			}
			return matches[i].Start < matches[j].Start
		})
		if len(matches) > MaxMatchesPerFile {
			matches = matches[:MaxMatchesPerFile]
		}

		results = append(results, Result{Path: path, Score: score, Matches: matches})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})

	if offset > len(results) {
		offset = len(results)
	}
	results = results[offset:]
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// candidateFileIDs computes the AND of every positive signal (bare terms,
// phrase terms, tag filters); a query with none of those (e.g. path:/
// file: only) starts from every indexed file.
func candidateFileIDs(snap *snapshot, q parsedQuery) map[int64]struct{} {
	started := false
	var set map[int64]struct{}

	intersect := func(ids []int64) {
		next := make(map[int64]struct{})
		if !started {
			for _, id := range ids {
				next[id] = struct{}{}
			}
		} else {
			idSet := make(map[int64]struct{}, len(ids))
			for _, id := range ids {
				idSet[id] = struct{}{}
			}
			for id := range set {
				if _, ok := idSet[id]; ok {
					next[id] = struct{}{}
				}
			}
		}
		set = next
		started = true
	}

	for _, term := range q.include {
		ids := unionIDs(uniqueFileIDs(snap.postings[term]), snap.filenames[term])
		intersect(ids)
	}
	for _, phrase := range q.phrases {
		if len(phrase) == 0 {
			continue
		}
		ids := uniqueFileIDs(snap.postings[phrase[0]])
		intersect(ids)
	}
	for _, tag := range q.tags {
		intersect(snap.tags[tag])
	}

	if !started {
		for id := range snap.idToPath {
			if set == nil {
				set = make(map[int64]struct{})
			}
			set[id] = struct{}{}
		}
	}
	return set
}

func unionIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	var out []int64
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func uniqueFileIDs(postings []Posting) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, p := range postings {
		if _, ok := seen[p.FileID]; !ok {
			seen[p.FileID] = struct{}{}
			ids = append(ids, p.FileID)
		}
	}
	return ids
}

func matchesPathFilters(path string, q parsedQuery) bool {
	lower := strings.ToLower(path)
	for _, sub := range q.paths {
		if !strings.Contains(lower, sub) {
			return false
		}
	}
	base := strings.ToLower(pathBase(path))
	for _, sub := range q.files {
		if !strings.Contains(base, sub) {
			return false
		}
	}
	return true
}

func pathBase(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func excluded(snap *snapshot, id int64, excludeTerms []string) bool {
	for _, term := range excludeTerms {
		for _, p := range snap.postings[term] {
			if p.FileID == id {
				return true
			}
		}
	}
	return false
}

func filenameHitCount(path string, q parsedQuery) int {
	lower := strings.ToLower(pathBase(path))
	atoms := map[string]struct{}{}
	for _, t := range q.include {
		atoms[t] = struct{}{}
	}
	for _, phrase := range q.phrases {
		atoms[strings.Join(phrase, " ")] = struct{}{}
	}
	for _, t := range q.tags {
		atoms[t] = struct{}{}
	}
	count := 0
	for atom := range atoms {
		if atom != "" && strings.Contains(lower, atom) {
			count++
		}
	}
	return count
}

func contentHitCount(snap *snapshot, id int64, terms []string) (int, []Match) {
	total := 0
	var matches []Match
	for _, term := range terms {
		linesSeen := make(map[int]struct{})
		for _, p := range snap.postings[term] {
			if p.FileID != id {
				continue
			}
			if _, dup := linesSeen[p.Line]; !dup {
				linesSeen[p.Line] = struct{}{}
				total++
			}
			lineText := ""
			if lines := snap.lines[id]; p.Line < len(lines) {
				lineText = lines[p.Line]
			}
			matches = append(matches, Match{Line: p.Line, LineText: lineText, Start: p.Start, End: p.End})
		}
	}
	return total, matches
}

func phraseHitCount(snap *snapshot, id int64, phrases [][]string) (int, []Match) {
	lines := snap.lines[id]
	hits := 0
	var matches []Match
	for _, phrase := range phrases {
		if len(phrase) == 0 {
			continue
		}
		for lineNo, line := range lines {
			tokens := Tokenize(line)
			for start := 0; start+len(phrase) <= len(tokens); start++ {
				ok := true
				for k, want := range phrase {
					if tokens[start+k].Text != want {
						ok = false
						break
					}
				}
				if ok {
					hits++
					matches = append(matches, Match{
						Line:     lineNo,
						LineText: line,
						Start:    tokens[start].Start,
						End:      tokens[start+len(phrase)-1].End,
					})
					break
				}
			}
		}
	}
	return hits, matches
}

func tagHitCount(snap *snapshot, id int64, tags []string) int {
	count := 0
	for _, tag := range tags {
		for _, fid := range snap.tags[tag] {
			if fid == id {
				count++
				break
			}
		}
	}
	return count
}

// ResolveWikiLink implements spec §4.6's WikiLinkResolver over this
// index's current wiki_targets snapshot.
func (idx *Index) ResolveWikiLink(target string) wikilink.Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return wikilink.Resolve(target, idx.snap.wikiTargets)
}
