package filewatcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomicobject/vaultd/internal/eventbus"
)

// stubWatcher lets tests drive raw fsnotify.Event values without depending
// on real filesystem timing, mirroring the teacher cache package's own
// stubWatcher.
type stubWatcher struct {
	events chan fsnotify.Event
	errors chan error
	mu      sync.Mutex
	adds    []string
	closed  bool
	errOnce sync.Once
}

// closeErrors closes the errors channel once, whether a test or Close
// gets there first.
func (w *stubWatcher) closeErrors() { w.errOnce.Do(func() { close(w.errors) }) }

func newStubWatcher() *stubWatcher {
	return &stubWatcher{
		events: make(chan fsnotify.Event, 64),
		errors: make(chan error, 1),
	}
}

func (w *stubWatcher) Add(name string) error {
	w.mu.Lock()
	w.adds = append(w.adds, name)
	w.mu.Unlock()
	return nil
}
func (w *stubWatcher) Remove(name string) error { return nil }
func (w *stubWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.events)
	w.closeErrors()
	return nil
}
func (w *stubWatcher) Events() <-chan fsnotify.Event { return w.events }
func (w *stubWatcher) Errors() <-chan error          { return w.errors }

func newTestWatcher(t *testing.T, bus *eventbus.Bus) (*Watcher, *stubWatcher) {
	t.Helper()
	root := t.TempDir()
	stub := newStubWatcher()
	w := New("v1", root, bus)
	w.Debounce = 30 * time.Millisecond
	w.newWatcher = func() (watcher, error) { return stub, nil }
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w, stub
}

func recvWithin(t *testing.T, sub *eventbus.Subscription, d time.Duration) eventbus.Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(d):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestWatcher_SingleCreate_EmitsCreated(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	path := filepath.Join(w.Root, "note.md")
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}

	evt := recvWithin(t, sub, time.Second)
	assert.Equal(t, eventbus.Created, evt.Type)
	assert.Equal(t, "note.md", evt.Path)
}

func TestWatcher_CreateThenModify_StaysCreated(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	path := filepath.Join(w.Root, "note.md")
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}

	evt := recvWithin(t, sub, time.Second)
	assert.Equal(t, eventbus.Created, evt.Type)
}

func TestWatcher_CreateThenDelete_EmitsNothing(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	path := filepath.Join(w.Root, "note.md")
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Remove}

	select {
	case evt := <-sub.Events():
		t.Fatalf("expected no event, got %+v", evt)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_ModifyThenDelete_EmitsDeletedImmediately(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	path := filepath.Join(w.Root, "note.md")
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	// Give the Write time to register as pending before the delete arrives.
	time.Sleep(5 * time.Millisecond)
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Remove}

	evt := recvWithin(t, sub, time.Second)
	assert.Equal(t, eventbus.Deleted, evt.Type)
}

func TestWatcher_RenamePairedWithCreate_EmitsRenamed(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	oldPath := filepath.Join(w.Root, "old.md")
	newPath := filepath.Join(w.Root, "new.md")
	stub.events <- fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}
	stub.events <- fsnotify.Event{Name: newPath, Op: fsnotify.Create}

	evt := recvWithin(t, sub, time.Second)
	assert.Equal(t, eventbus.Renamed, evt.Type)
	assert.Equal(t, "old.md", evt.From)
	assert.Equal(t, "new.md", evt.To)
}

func TestWatcher_UnpairedRename_DowngradesToDeleted(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	oldPath := filepath.Join(w.Root, "gone.md")
	stub.events <- fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}

	evt := recvWithin(t, sub, time.Second)
	assert.Equal(t, eventbus.Deleted, evt.Type)
	assert.Equal(t, "gone.md", evt.Path)
}

func TestWatcher_ExcludedPath_Ignored(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)

	path := filepath.Join(w.Root, ".git", "index")
	stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}

	select {
	case evt := <-sub.Events():
		t.Fatalf("expected excluded path to be ignored, got %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_ErrorChannelClosed_EmitsResync(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	_, stub := newTestWatcher(t, bus)

	stub.closeErrors()

	evt := recvWithin(t, sub, time.Second)
	assert.Equal(t, eventbus.Resync, evt.Type)
}

func TestWatcher_BufferCapacityExceeded_DropsOldestAndResyncs(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("v1")
	defer sub.Close()
	w, stub := newTestWatcher(t, bus)
	w.Debounce = time.Hour // never flush naturally; force capacity eviction.
	w.BufferCapacity = 2

	for i := 0; i < 5; i++ {
		path := filepath.Join(w.Root, "f"+string(rune('a'+i))+".md")
		stub.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	}

	sawResync := false
	for i := 0; i < 10; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Type == eventbus.Resync {
				sawResync = true
			}
		case <-time.After(time.Second):
			i = 10
		}
		if sawResync {
			break
		}
	}
	assert.True(t, sawResync, "expected a Resync event once the debounce buffer exceeded capacity")
}

func TestWatcher_WalksDirectoriesAndSkipsExclusions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".obsidian", "plugins"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))

	stub := newStubWatcher()
	bus := eventbus.New()
	w := New("v1", root, bus)
	w.newWatcher = func() (watcher, error) { return stub, nil }
	require.NoError(t, w.Start())
	defer w.Stop()

	for _, added := range stub.adds {
		assert.NotContains(t, added, ".obsidian")
	}
	assert.Contains(t, stub.adds, root)
	assert.Contains(t, stub.adds, filepath.Join(root, "notes"))
}
