// Package fileservice implements spec §4.2's FileService: the only
// component that touches vault files directly. Every operation resolves
// its path through PathGuard first and, for writes, runs the
// ConflictDetector check before anything hits disk.
//
// Grounded on the teacher CLI's pkg/obsidian/fsutil.go (WriteFileAtomic,
// generalized here with a pid+counter temp name per spec §4.2) and
// note.go/vault.go for the read/write/create shape, with move/upload/
// download/random_markdown added to cover spec operations the teacher's
// single-vault CLI never needed.
package fileservice

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"
	"gopkg.in/yaml.v3"

	"github.com/atomicobject/vaultd/internal/conflict"
	"github.com/atomicobject/vaultd/internal/eventbus"
	fm "github.com/atomicobject/vaultd/internal/frontmatter"
	"github.com/atomicobject/vaultd/internal/pathguard"
	"github.com/atomicobject/vaultd/internal/searchindex"
	"github.com/atomicobject/vaultd/internal/vaulterr"
)

const op = "fileservice"

// Kind is spec §4.2's detected_kind, decided from the lowercase extension
// only.
type Kind string

const (
	KindMarkdown Kind = "markdown"
	KindImage    Kind = "image"
	KindPDF      Kind = "pdf"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindText     Kind = "text"
	KindOther    Kind = "other"
)

var extensionKinds = map[string]Kind{
	".md": KindMarkdown, ".markdown": KindMarkdown,
	".png": KindImage, ".jpg": KindImage, ".jpeg": KindImage, ".gif": KindImage, ".svg": KindImage, ".webp": KindImage, ".bmp": KindImage,
	".pdf": KindPDF,
	".mp3": KindAudio, ".wav": KindAudio, ".ogg": KindAudio, ".m4a": KindAudio, ".flac": KindAudio,
	".mp4": KindVideo, ".webm": KindVideo, ".mov": KindVideo, ".mkv": KindVideo,
	".txt": KindText, ".csv": KindText, ".json": KindText, ".yaml": KindText, ".yml": KindText,
}

// DetectKind implements spec §4.2's "lowercase extension only" rule.
func DetectKind(relPath string) Kind {
	ext := strings.ToLower(filepath.Ext(relPath))
	if k, ok := extensionKinds[ext]; ok {
		return k
	}
	return KindOther
}

// DefaultExclusions matches spec §4.2's index_exclusions default.
var DefaultExclusions = []string{".git", ".obsidian", ".trash", "node_modules"}

// Service is one vault's file operations surface.
type Service struct {
	VaultID    string
	Root       string
	Exclusions []string // glob patterns (doublestar), matched against vault-relative paths
	Bus        *eventbus.Bus

	tmpCounter uint64
}

// New constructs a Service rooted at root.
func New(vaultID, root string, bus *eventbus.Bus) *Service {
	return &Service{VaultID: vaultID, Root: root, Exclusions: append([]string(nil), DefaultExclusions...), Bus: bus}
}

func (s *Service) isExcluded(relPath string) bool {
	for _, pattern := range s.Exclusions {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
		// A bare directory-name exclusion (the spec's default set) should
		// also match that name appearing anywhere in the path, not just a
		// literal prefix match.
		for _, seg := range strings.Split(relPath, "/") {
			if seg == pattern {
				return true
			}
		}
	}
	return false
}

// TreeNode is one entry of ListTree's result.
type TreeNode struct {
	Name     string
	Path     string // vault-relative
	IsDir    bool
	Size     int64
	ModTime  time.Time
	Kind     Kind
	Children []*TreeNode
}

// ListTree implements spec §4.2's list_tree.
func (s *Service) ListTree(includeHidden bool) (*TreeNode, error) {
	root := &TreeNode{Name: "", Path: "", IsDir: true}
	if err := s.listDir(s.Root, "", root, includeHidden); err != nil {
		return nil, err
	}
	return root, nil
}

func (s *Service) listDir(absDir, relDir string, node *TreeNode, includeHidden bool) error {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, absDir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		if entry.IsDir() && s.isExcluded(relPath) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		child := &TreeNode{Name: name, Path: relPath, IsDir: entry.IsDir(), Size: info.Size(), ModTime: info.ModTime()}
		if entry.IsDir() {
			if err := s.listDir(filepath.Join(absDir, name), relPath, child, includeHidden); err != nil {
				return err
			}
		} else {
			child.Kind = DetectKind(relPath)
		}
		node.Children = append(node.Children, child)
	}
	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return nil
}

// ReadResult is spec §4.2's read() return shape.
type ReadResult struct {
	Content     string
	Mtime       time.Time
	Kind        Kind
	Frontmatter *yaml.Node // nil if the file has none, or is not markdown
}

// Read implements spec §4.2's read().
func (s *Service) Read(relPath string) (ReadResult, error) {
	abs, err := pathguard.Resolve(s.Root, relPath)
	if err != nil {
		return ReadResult{}, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return ReadResult{}, wrapIOErr(abs, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return ReadResult{}, vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}

	kind := DetectKind(relPath)
	result := ReadResult{Mtime: info.ModTime(), Kind: kind, Content: string(raw)}
	if kind == KindMarkdown {
		node, body, err := fm.Parse(string(raw))
		if err != nil {
			return ReadResult{}, vaulterr.Wrap(vaulterr.InvalidInput, op, abs, err)
		}
		result.Frontmatter = node
		result.Content = body
	}
	return result, nil
}

// Write implements spec §4.2's write(), including the §4.7 conflict check
// and the canonical "---\n<yaml>\n---\n<content>" serialization.
func (s *Service) Write(relPath, newContent string, frontmatterNode *yaml.Node, ifModifiedAt time.Time) (time.Time, error) {
	abs, err := pathguard.Resolve(s.Root, relPath)
	if err != nil {
		return time.Time{}, err
	}

	if _, err := conflict.Check(abs, ifModifiedAt); err != nil {
		return time.Time{}, err
	}

	rendered := newContent
	if DetectKind(relPath) == KindMarkdown && frontmatterNode != nil {
		rendered, err = fm.Render(frontmatterNode, newContent)
		if err != nil {
			return time.Time{}, vaulterr.Wrap(vaulterr.InvalidInput, op, abs, err)
		}
	}

	if err := s.atomicWrite(abs, []byte(rendered)); err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}
	return info.ModTime(), nil
}

// Create implements spec §4.2's create(): fails if the path exists,
// creates parent directories, writes content (empty if omitted).
func (s *Service) Create(relPath string, content []byte) (time.Time, error) {
	abs, err := pathguard.Resolve(s.Root, relPath)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := os.Stat(abs); err == nil {
		return time.Time{}, vaulterr.New(vaulterr.Conflict, op, "file already exists: "+relPath)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return time.Time{}, vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}
	if err := s.atomicWrite(abs, content); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}
	return info.ModTime(), nil
}

// CreateDirectory implements spec §4.2's create_directory(): recursive and
// idempotent.
func (s *Service) CreateDirectory(relPath string) error {
	abs, err := pathguard.Resolve(s.Root, relPath)
	if err != nil {
		return err
	}
	if info, err := os.Stat(abs); err == nil {
		if !info.IsDir() {
			return vaulterr.New(vaulterr.Conflict, op, "path exists and is not a directory: "+relPath)
		}
		return nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}
	return nil
}

// Delete implements spec §4.2's delete(): moves the file into
// <root>/.trash/<relative_path>, suffixing on collision.
func (s *Service) Delete(relPath string) error {
	abs, err := pathguard.Resolve(s.Root, relPath)
	if err != nil {
		return err
	}

	trashRel := ".trash/" + relPath
	trashAbs := filepath.Join(s.Root, filepath.FromSlash(trashRel))
	if err := os.MkdirAll(filepath.Dir(trashAbs), 0o755); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, trashAbs, err)
	}

	trashAbs = uniqueTrashPath(trashAbs)
	if err := os.Rename(abs, trashAbs); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, abs, err)
	}
	return nil
}

func uniqueTrashPath(candidate string) string {
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(candidate)
	base := strings.TrimSuffix(candidate, ext)
	for counter := 1; ; counter++ {
		next := fmt.Sprintf("%s-%d%s", base, counter, ext)
		if _, err := os.Stat(next); os.IsNotExist(err) {
			return next
		}
	}
}

// Move implements spec §4.2's move(): atomic rename, Conflict if the
// destination exists, and a direct Renamed publish so SearchIndex's path
// key updates without waiting on FileWatcher's own (slower, heuristic)
// rename pairing.
func (s *Service) Move(from, to string) error {
	absFrom, err := pathguard.Resolve(s.Root, from)
	if err != nil {
		return err
	}
	absTo, err := pathguard.Resolve(s.Root, to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absTo); err == nil {
		return vaulterr.New(vaulterr.Conflict, op, "destination already exists: "+to)
	}
	if err := os.MkdirAll(filepath.Dir(absTo), 0o755); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, absTo, err)
	}
	if err := os.Rename(absFrom, absTo); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, absFrom, err)
	}
	if s.Bus != nil {
		s.Bus.Publish(eventbus.Event{Type: eventbus.Renamed, VaultID: s.VaultID, From: from, To: to})
	}
	return nil
}

// NamedBlob is one file in an Upload call.
type NamedBlob struct {
	Name    string
	Content []byte
}

// UploadError pairs a rejected blob's name with why it failed.
type UploadError struct {
	Name string
	Err  error
}

// Upload implements spec §4.2's upload(): partial success allowed.
func (s *Service) Upload(targetDir string, blobs []NamedBlob) ([]string, []UploadError) {
	var written []string
	var errs []UploadError

	for _, blob := range blobs {
		if err := pathguard.ValidateFileName(blob.Name); err != nil {
			errs = append(errs, UploadError{Name: blob.Name, Err: err})
			continue
		}
		rel := path.Join(targetDir, blob.Name)
		abs, err := pathguard.Resolve(s.Root, rel)
		if err != nil {
			errs = append(errs, UploadError{Name: blob.Name, Err: err})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			errs = append(errs, UploadError{Name: blob.Name, Err: vaulterr.Wrap(vaulterr.Io, op, abs, err)})
			continue
		}
		if err := s.atomicWrite(abs, blob.Content); err != nil {
			errs = append(errs, UploadError{Name: blob.Name, Err: err})
			continue
		}
		written = append(written, rel)
	}
	return written, errs
}

// DownloadZip implements spec §4.2's download_zip(): paths may be files
// or directories; directories are walked with exclusions applied.
// archive/zip's default compressor is swapped for klauspost/compress's
// flate, which is substantially faster at the same ratio, since a vault
// download can span many large attachments.
func (s *Service) DownloadZip(w io.Writer, paths []string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	defer zw.Close()

	seen := make(map[string]struct{})
	addFile := func(relPath string) error {
		if _, dup := seen[relPath]; dup {
			return nil
		}
		seen[relPath] = struct{}{}

		abs, err := pathguard.Resolve(s.Root, relPath)
		if err != nil {
			return err
		}
		src, err := os.Open(abs)
		if err != nil {
			return vaulterr.Wrap(vaulterr.Io, op, abs, err)
		}
		defer src.Close()

		dst, err := zw.Create(relPath)
		if err != nil {
			return vaulterr.Wrap(vaulterr.Io, op, abs, err)
		}
		if _, err := io.Copy(dst, bufio.NewReader(src)); err != nil {
			return vaulterr.Wrap(vaulterr.Io, op, abs, err)
		}
		return nil
	}

	for _, p := range paths {
		abs, err := pathguard.Resolve(s.Root, p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return vaulterr.Wrap(vaulterr.Io, op, abs, err)
		}
		if !info.IsDir() {
			if err := addFile(p); err != nil {
				return err
			}
			continue
		}
		err = filepath.WalkDir(abs, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := pathguard.Relative(s.Root, walkPath)
			if relErr != nil {
				return relErr
			}
			if d.IsDir() {
				if s.isExcluded(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			return addFile(rel)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Filters restricts RandomMarkdown's candidate set, per spec §4.2.
type Filters struct {
	FolderPrefix  string
	Tag           string
	ExcludePrefix string
}

// RandomMarkdown implements spec §4.2's random_markdown(): uniform
// selection over filtered .md files. math/rand/v2's package-level
// functions are auto-seeded from a non-deterministic OS source per the
// runtime, satisfying the spec's RNG requirement without any manual seed
// management.
func (s *Service) RandomMarkdown(filters Filters) (string, error) {
	var candidates []string
	err := filepath.WalkDir(s.Root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := pathguard.Relative(s.Root, walkPath)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "" && s.isExcluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if DetectKind(rel) != KindMarkdown {
			return nil
		}
		if filters.FolderPrefix != "" && !strings.HasPrefix(rel, filters.FolderPrefix) {
			return nil
		}
		if filters.ExcludePrefix != "" && strings.HasPrefix(rel, filters.ExcludePrefix) {
			return nil
		}
		if filters.Tag != "" {
			result, err := s.Read(rel)
			if err != nil {
				return nil
			}
			if !hasTag(fm.Tags(result.Frontmatter), result.Content, filters.Tag) {
				return nil
			}
		}
		candidates = append(candidates, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", vaulterr.New(vaulterr.NotFound, op, "no markdown files match the given filters")
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func hasTag(frontmatterTags []string, content, want string) bool {
	want = strings.ToLower(strings.TrimPrefix(want, "#"))
	for _, t := range frontmatterTags {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return strings.Contains(strings.ToLower(content), "#"+want)
}

// atomicWrite implements spec §4.2's write algorithm: write to
// "<path>.tmp-<pid>-<counter>" in the same directory, fsync, rename over
// the target; remove the temp file on any failure. Grounded on the
// teacher CLI's fsutil.WriteFileAtomic, generalized to the spec's named
// temp-file scheme instead of os.CreateTemp's randomized suffix.
func (s *Service) atomicWrite(absPath string, data []byte) error {
	dir := filepath.Dir(absPath)
	counter := atomic.AddUint64(&s.tmpCounter, 1)
	tmpPath := fmt.Sprintf("%s.tmp-%d-%d", absPath, os.Getpid(), counter)

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL, 0o644)
	if err != nil {
		return wrapIOErr(absPath, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return wrapIOErr(absPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return wrapIOErr(absPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return wrapIOErr(absPath, err)
	}
	if err := os.Rename(tmpPath, absPath); err != nil {
		os.Remove(tmpPath)
		return wrapIOErr(absPath, err)
	}
	return nil
}

func wrapIOErr(absPath string, err error) error {
	e := vaulterr.Wrap(vaulterr.Io, op, absPath, err)
	if os.IsNotExist(err) {
		e.Kind = vaulterr.NotFound
	}
	if errors.Is(err, syscall.ENOSPC) {
		e.WithSubkind(vaulterr.DiskFull)
	}
	return e
}

// ListIndexable implements searchindex.ContentProvider, so a Service can
// be handed directly to searchindex.Index.Reindex/Update.
func (s *Service) ListIndexable() ([]searchindex.Record, error) {
	var records []searchindex.Record
	err := filepath.WalkDir(s.Root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := pathguard.Relative(s.Root, walkPath)
		if relErr != nil {
			return relErr
		}
		if rel == "" {
			return nil
		}
		if d.IsDir() {
			if s.isExcluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		kind := DetectKind(rel)
		indexKind := "other"
		if kind == KindMarkdown {
			indexKind = "markdown"
		} else if kind == KindText {
			indexKind = "text"
		}
		records = append(records, searchindex.Record{Path: rel, Kind: indexKind})
		return nil
	})
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.Io, op, s.Root, err)
	}
	return records, nil
}

// ReadIndexable implements searchindex.ContentProvider.
func (s *Service) ReadIndexable(relPath string) (string, []string, error) {
	result, err := s.Read(relPath)
	if err != nil {
		return "", nil, err
	}
	return result.Content, fm.Tags(result.Frontmatter), nil
}
