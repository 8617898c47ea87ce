// Package filewatcher is the per-vault recursive FS event source from spec
// §4.4: it debounces raw OS events, normalizes rename semantics, and
// publishes canonical Created/Modified/Deleted/Renamed/Resync events on the
// EventBus.
//
// Grounded on the teacher CLI's pkg/cache.Service watchLoop/addWatch/
// rescanDir machinery (the closest existing analog to a recursive,
// self-healing fsnotify consumer in the pack), but split out of the cache
// into its own component and given the debounce state machine and rename
// pairing spec §4.4 requires, which the teacher's cache does not attempt.
package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atomicobject/vaultd/internal/eventbus"
	"github.com/atomicobject/vaultd/internal/vaultlog"
)

// DefaultDebounceWindow matches spec.md's suggested figure; exposed as a
// field rather than hardcoded since §9 leaves the exact value unresolved.
const DefaultDebounceWindow = 200 * time.Millisecond

// DefaultBufferCapacity bounds the debounce buffer before the watcher
// drops the oldest entries and emits a synthetic Resync, per spec §4.4.
const DefaultBufferCapacity = 1024

// DefaultExclusions is the default index_exclusions set from spec §4.2.
var DefaultExclusions = map[string]struct{}{
	".git":       {},
	".obsidian":  {},
	".trash":     {},
	"node_modules": {},
}

// watcher abstracts fsnotify for testability, mirroring the teacher's
// cache.Watcher interface.
type watcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct{ *fsnotify.Watcher }

func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.Watcher.Events }
func (f *fsnotifyWatcher) Errors() <-chan error           { return f.Watcher.Errors }

type pendingKind int

const (
	pendingCreated pendingKind = iota
	pendingModified
	pendingDeleted
	pendingRenameFrom
)

type pendingEntry struct {
	kind      pendingKind
	firstSeen time.Time
	timer     *time.Timer
}

// Watcher owns exactly one fsnotify session for one vault, per spec §9's
// "ownership of watchers and index partitions" design note.
type Watcher struct {
	VaultID string
	Root    string

	Debounce       time.Duration
	BufferCapacity int
	Exclusions     map[string]struct{}

	bus *eventbus.Bus

	w          watcher
	newWatcher func() (watcher, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingEntry
	watched map[string]struct{}
}

// New constructs a Watcher for one vault. It does not start watching;
// call Start.
func New(vaultID, root string, bus *eventbus.Bus) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		VaultID:        vaultID,
		Root:           root,
		Debounce:       DefaultDebounceWindow,
		BufferCapacity: DefaultBufferCapacity,
		Exclusions:     DefaultExclusions,
		bus:            bus,
		newWatcher:     newFsnotifyWatcher,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]*pendingEntry),
		watched:        make(map[string]struct{}),
	}
}

func newFsnotifyWatcher() (watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fsnotifyWatcher{Watcher: w}, nil
}

// Start installs recursive watches under Root and begins processing
// events. Safe to call once per Watcher.
func (w *Watcher) Start() error {
	fw, err := w.newWatcher()
	if err != nil {
		return err
	}
	w.w = fw

	if err := w.addWatchesRecursive(w.Root); err != nil {
		fw.Close()
		return err
	}

	w.wg.Add(1)
	go w.supervisedLoop()
	return nil
}

// Stop cancels the watch loop and releases OS resources. Must be called on
// vault unregistration per spec §4.4's lifecycle requirement.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
	if w.w != nil {
		w.w.Close()
	}
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		return w.addWatch(path)
	})
}

func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	if _, ok := w.watched[path]; ok {
		w.mu.Unlock()
		return nil
	}
	w.watched[path] = struct{}{}
	w.mu.Unlock()
	return w.w.Add(path)
}

func (w *Watcher) dropWatch(path string) {
	w.mu.Lock()
	delete(w.watched, path)
	w.mu.Unlock()
	_ = w.w.Remove(path)
}

func (w *Watcher) isExcluded(absPath string) bool {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return false
	}
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if _, excluded := w.Exclusions[segment]; excluded {
			return true
		}
	}
	return false
}

// supervisedLoop runs loop() under recover, per spec §5/§7: a panic in the
// watch loop must not tear down other vaults' watchers or the process as a
// whole. It is caught, logged, converted to a forced Resync (the safest
// recovery, since in-flight debounce state is suspect), and the loop is
// restarted; a normal exit from loop() (context cancelled or the fsnotify
// channel closed) is not retried.
func (w *Watcher) supervisedLoop() {
	defer w.wg.Done()
	for {
		if w.runLoopRecovered() {
			return
		}
	}
}

func (w *Watcher) runLoopRecovered() (exited bool) {
	defer func() {
		if r := recover(); r != nil {
			vaultlog.ForVault("filewatcher", w.VaultID).Errorf("recovered panic in watch loop: %v; resyncing", r)
			w.emitResync("recovered from panic in watch loop")
			exited = false
		}
	}()
	w.loop()
	return true
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt, ok := <-w.w.Events():
			if !ok {
				w.emitResync("watcher event channel closed")
				return
			}
			w.handleRaw(evt)
		case err, ok := <-w.w.Errors():
			if !ok {
				w.emitResync("watcher error channel closed")
				return
			}
			vaultlog.ForVault("filewatcher", w.VaultID).WithError(err).Warn("fsnotify error; forcing resync")
			w.emitResync(err.Error())
		}
	}
}

func (w *Watcher) handleRaw(evt fsnotify.Event) {
	if w.isExcluded(evt.Name) {
		return
	}

	switch {
	case evt.Op&fsnotify.Create == fsnotify.Create:
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			_ = w.addWatchesRecursive(evt.Name)
		}
		w.onCreate(evt.Name)
	case evt.Op&fsnotify.Write == fsnotify.Write:
		w.onModify(evt.Name)
	case evt.Op&fsnotify.Remove == fsnotify.Remove:
		w.dropWatch(evt.Name)
		w.onDelete(evt.Name)
	case evt.Op&fsnotify.Rename == fsnotify.Rename:
		w.dropWatch(evt.Name)
		w.onRenameFrom(evt.Name)
	}
}

// onCreate, onModify, onDelete, onRenameFrom implement the per-path
// debounce state machine from spec §4.4's diagram. The map is keyed by
// path and guarded by w.mu; each entry owns a timer that flushes it after
// Debounce elapses.
func (w *Watcher) onCreate(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tryPairRenameLocked(path) {
		return
	}

	if entry, ok := w.pending[path]; ok {
		// Created -> Modify -> Created (a burst of writes right after
		// create still reports as a single Created once flushed).
		entry.kind = pendingCreated
		return
	}
	w.setPendingLocked(path, pendingCreated)
}

func (w *Watcher) onModify(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.pending[path]; ok {
		if entry.kind == pendingCreated {
			return // Created -> Modify -> Created: stays Created.
		}
		entry.kind = pendingModified
		return
	}
	w.setPendingLocked(path, pendingModified)
}

func (w *Watcher) onDelete(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.pending[path]; ok {
		entry.timer.Stop()
		delete(w.pending, path)
		if entry.kind == pendingCreated {
			return // Created -> Delete -> none: emit nothing.
		}
		// Modified -> Delete -> Deleted, flushed immediately.
		w.flushLocked(path, pendingDeleted)
		return
	}
	w.setPendingLocked(path, pendingDeleted)
}

func (w *Watcher) onRenameFrom(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.pending[path]; ok {
		entry.timer.Stop()
		delete(w.pending, path)
	}
	w.setPendingLocked(path, pendingRenameFrom)
}

// tryPairRenameLocked pairs an incoming Create at `path` with the oldest
// outstanding renameFrom entry, emitting Renamed{from,to} if one exists.
// fsnotify gives no correlation id between the two halves of a rename, so
// FIFO pairing within the debounce window is the best available heuristic;
// an unpaired renameFrom downgrades to Deleted when its timer fires.
func (w *Watcher) tryPairRenameLocked(createdPath string) bool {
	var oldestPath string
	var oldestTime time.Time
	for p, e := range w.pending {
		if e.kind != pendingRenameFrom {
			continue
		}
		if oldestPath == "" || e.firstSeen.Before(oldestTime) {
			oldestPath = p
			oldestTime = e.firstSeen
		}
	}
	if oldestPath == "" {
		return false
	}

	entry := w.pending[oldestPath]
	entry.timer.Stop()
	delete(w.pending, oldestPath)

	w.publishLocked(eventbus.Event{
		Type: eventbus.Renamed,
		From: w.relLocked(oldestPath),
		To:   w.relLocked(createdPath),
	})
	return true
}

func (w *Watcher) setPendingLocked(path string, kind pendingKind) {
	entry := &pendingEntry{kind: kind, firstSeen: time.Now()}
	entry.timer = time.AfterFunc(w.Debounce, func() { w.flush(path) })
	w.pending[path] = entry
	w.enforceCapacityLocked()
}

// enforceCapacityLocked implements spec §4.4's backpressure policy: when
// the debounce buffer grows past BufferCapacity, drop the oldest entries
// and emit a single synthetic Resync rather than let memory grow
// unbounded waiting on a slow downstream.
func (w *Watcher) enforceCapacityLocked() {
	if len(w.pending) <= w.BufferCapacity {
		return
	}
	var oldestPath string
	var oldestTime time.Time
	for p, e := range w.pending {
		if oldestPath == "" || e.firstSeen.Before(oldestTime) {
			oldestPath = p
			oldestTime = e.firstSeen
		}
	}
	if oldestPath != "" {
		w.pending[oldestPath].timer.Stop()
		delete(w.pending, oldestPath)
	}
	go w.emitResync("debounce buffer exceeded capacity")
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.pending[path]
	if !ok {
		return
	}
	delete(w.pending, path)

	kind := entry.kind
	if kind == pendingRenameFrom {
		// No matching Create paired within the window: downgrade per
		// spec §4.4/§9.
		kind = pendingDeleted
	}
	w.flushLocked(path, kind)
}

func (w *Watcher) flushLocked(path string, kind pendingKind) {
	var evtType eventbus.EventType
	switch kind {
	case pendingCreated:
		evtType = eventbus.Created
	case pendingModified:
		evtType = eventbus.Modified
	case pendingDeleted:
		evtType = eventbus.Deleted
	default:
		return
	}
	w.publishLocked(eventbus.Event{Type: evtType, Path: w.relLocked(path)})
}

func (w *Watcher) relLocked(absPath string) string {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return absPath
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) publishLocked(evt eventbus.Event) {
	evt.VaultID = w.VaultID
	// Publish never blocks on subscribers and never takes w.mu; calling it
	// while holding w.mu is safe and keeps sequencing deterministic per vault.
	w.bus.Publish(evt)
}

func (w *Watcher) emitResync(reason string) {
	vaultlog.ForVault("filewatcher", w.VaultID).Warnf("emitting Resync: %s", reason)
	w.mu.Lock()
	for _, e := range w.pending {
		e.timer.Stop()
	}
	w.pending = make(map[string]*pendingEntry)
	w.mu.Unlock()
	w.bus.Publish(eventbus.Event{Type: eventbus.Resync, VaultID: w.VaultID})
}
