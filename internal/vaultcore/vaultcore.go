// Package vaultcore wires one registered vault's PathGuard, FileService,
// SearchIndex, FileWatcher, EventBus, and WikiLinkResolver together into
// the coordinated subsystem spec §1 calls the Vault Core: it owns each
// vault's lifecycle (start/stop the watcher and index on register/
// unregister) and drives SearchIndex's incremental updates from the
// FileWatcher's published events.
//
// Grounded on the teacher CLI's cmd/root.go, which is the one place the
// teacher wires its otherwise-independent pkg/obsidian, pkg/cache, and
// pkg/frontmatter packages together into a single running command; here
// that wiring becomes a long-lived per-vault object instead of a
// one-shot CLI invocation.
package vaultcore

import (
	"context"
	"sync"

	"github.com/atomicobject/vaultd/internal/eventbus"
	"github.com/atomicobject/vaultd/internal/fileservice"
	"github.com/atomicobject/vaultd/internal/filewatcher"
	"github.com/atomicobject/vaultd/internal/preferences"
	"github.com/atomicobject/vaultd/internal/registry"
	"github.com/atomicobject/vaultd/internal/searchindex"
	"github.com/atomicobject/vaultd/internal/vaultlog"
	"github.com/atomicobject/vaultd/internal/wikilink"
)

// Vault bundles one registered vault's live subsystems.
type Vault struct {
	ID   string
	Name string
	Root string

	Files   *fileservice.Service
	Index   *searchindex.Index
	Watcher *filewatcher.Watcher
	Bus     *eventbus.Bus

	sub    *eventbus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ResolveWikiLink resolves target against this vault's current index,
// implementing spec §4.6's WikiLinkResolver over this vault's wiki_targets.
func (v *Vault) ResolveWikiLink(target string) wikilink.Result {
	return v.Index.ResolveWikiLink(target)
}

// Core owns the live Vault set and the shared infrastructure (registry,
// preferences) that outlives any individual vault's registration.
type Core struct {
	Registry    *registry.Registry
	Preferences *preferences.Store

	mu     sync.RWMutex
	vaults map[string]*Vault
}

// New constructs a Core and loads every vault currently in reg.
func New(reg *registry.Registry, prefs *preferences.Store) (*Core, error) {
	c := &Core{Registry: reg, Preferences: prefs, vaults: make(map[string]*Vault)}
	records, err := reg.List(context.Background())
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := c.start(rec.ID, rec.Name, rec.RootPath); err != nil {
			return nil, err
		}
	}
	reg.OnChange(c.resync)
	return c, nil
}

// Get returns a live vault by id, or false if it is not currently registered.
func (c *Core) Get(id string) (*Vault, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vaults[id]
	return v, ok
}

// List returns every currently live vault.
func (c *Core) List() []*Vault {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Vault, 0, len(c.vaults))
	for _, v := range c.vaults {
		out = append(out, v)
	}
	return out
}

// resync reconciles the live vault set against the registry after an
// Add/Rename/Remove, per spec §4.8's on_change contract.
func (c *Core) resync() {
	records, err := c.Registry.List(context.Background())
	if err != nil {
		return
	}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.ID] = struct{}{}
		c.mu.RLock()
		v, ok := c.vaults[rec.ID]
		c.mu.RUnlock()
		if !ok {
			_ = c.start(rec.ID, rec.Name, rec.RootPath)
			continue
		}
		if v.Name != rec.Name {
			c.mu.Lock()
			v.Name = rec.Name
			c.mu.Unlock()
		}
	}

	c.mu.RLock()
	var stale []string
	for id := range c.vaults {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range stale {
		c.stop(id)
	}
}

func (c *Core) start(id, name, root string) error {
	bus := eventbus.New()
	files := fileservice.New(id, root, bus)
	index := searchindex.New(id)
	if err := index.Reindex(files); err != nil {
		return err
	}

	watcher := filewatcher.New(id, root, bus)
	if err := watcher.Start(); err != nil {
		return err
	}

	v := &Vault{ID: id, Name: name, Root: root, Files: files, Index: index, Watcher: watcher, Bus: bus}
	v.sub = bus.Subscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.wg.Add(1)
	go v.supervisedPumpEvents(ctx, files)

	c.mu.Lock()
	c.vaults[id] = v
	c.mu.Unlock()
	return nil
}

func (c *Core) stop(id string) {
	c.mu.Lock()
	v, ok := c.vaults[id]
	if ok {
		delete(c.vaults, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	v.Watcher.Stop()
	v.cancel()
	v.wg.Wait()
	v.sub.Close()
}

// supervisedPumpEvents runs pumpEvents under recover, per spec §5/§7: a
// panic in the index-writer task must not tear down other vaults or the
// process. It is caught, logged, converted to a full Reindex (the safest
// recovery for an index left in a suspect state mid-mutation), and the pump
// loop is restarted; a normal exit (context cancelled or the bus
// subscription closed) is not retried.
func (v *Vault) supervisedPumpEvents(ctx context.Context, files *fileservice.Service) {
	defer v.wg.Done()
	for {
		if v.runPumpEventsRecovered(ctx, files) {
			return
		}
	}
}

func (v *Vault) runPumpEventsRecovered(ctx context.Context, files *fileservice.Service) (exited bool) {
	defer func() {
		if r := recover(); r != nil {
			vaultlog.ForVault("vaultcore", v.ID).Errorf("recovered panic in index writer: %v; reindexing", r)
			_ = v.Index.Reindex(files)
			exited = false
		}
	}()
	v.pumpEvents(ctx, files)
	return true
}

// pumpEvents is the one place FileWatcher's published events become
// SearchIndex calls, per spec §4.4/§4.5's "FileWatcher publishes,
// SearchIndex subscribes" design.
func (v *Vault) pumpEvents(ctx context.Context, files *fileservice.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-v.sub.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case eventbus.Created, eventbus.Modified:
				_ = v.Index.Update(files, evt.Path)
			case eventbus.Deleted:
				v.Index.Remove(evt.Path)
			case eventbus.Renamed:
				v.Index.Rename(evt.From, evt.To)
			case eventbus.Resync:
				_ = v.Index.Reindex(files)
			}
		}
	}
}
