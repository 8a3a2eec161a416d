package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alimasry/collab-ot/ot"
)

// dirtyState tracks what needs flushing for a single document.
type dirtyState struct {
	created    bool             // created locally but not yet in backing store
	flushedOps int              // number of ops already flushed (index into history)
	snapshots  []ContentVersion // saved locally, not yet flushed
}

// CachedStore wraps a backing Store with an in-memory cache.
// All reads and writes are served from the cache. Dirty documents are
// flushed to the backing store periodically in the background, operations
// before snapshots so a snapshot never refers to history the backing store
// does not have.
type CachedStore struct {
	cache         *MemoryStore
	backing       Store
	logger        *slog.Logger
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval.
func NewCachedStore(backing Store, flushInterval time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		logger:        logger.With("component", "cached_store"),
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, seed ContentVersion) error {
	if err := cs.ensure(ctx, seed.ContentID); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := cs.cache.Create(ctx, seed); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[seed.ContentID] = &dirtyState{created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) List(ctx context.Context) ([]string, error) {
	ids, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	local, _ := cs.cache.List(ctx)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range local {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (cs *CachedStore) LatestSnapshot(ctx context.Context, id string) (*ContentVersion, error) {
	if err := cs.ensure(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.LatestSnapshot(ctx, id)
}

func (cs *CachedStore) SaveSnapshot(ctx context.Context, snap ContentVersion) error {
	if err := cs.ensure(ctx, snap.ContentID); err != nil {
		return err
	}
	if err := cs.cache.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	latest, err := cs.cache.LatestSnapshot(ctx, snap.ContentID)
	if err != nil || latest.Version != snap.Version {
		// Older than what we have; nothing to flush.
		return err
	}
	cs.mu.Lock()
	ds := cs.dirty[snap.ContentID]
	if ds == nil {
		ds = &dirtyState{flushedOps: cs.cacheLen(snap.ContentID)}
		cs.dirty[snap.ContentID] = ds
	}
	ds.snapshots = append(ds.snapshots, *latest)
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error {
	if err := cs.ensure(ctx, id); err != nil {
		return err
	}

	// Snapshot history length before append so we know how many ops were
	// already flushed if this doc was previously clean (removed from dirty map).
	cs.mu.Lock()
	defer cs.mu.Unlock()
	prevLen := cs.cacheLen(id)
	if err := cs.cache.AppendOperation(ctx, id, op, version); err != nil {
		return err
	}
	// Mark dirty so flush loop picks up the new op.
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedOps: prevLen}
	}
	return nil
}

func (cs *CachedStore) GetOperations(ctx context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	if err := cs.ensure(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetOperations(ctx, id, fromVersion)
}

// cacheLen returns the number of ops cached for id.
func (cs *CachedStore) cacheLen(id string) int {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	if rec, ok := cs.cache.docs[id]; ok {
		return len(rec.history)
	}
	return 0
}

// ensure makes sure id is in the cache, loading it from the backing store
// on a miss.
func (cs *CachedStore) ensure(ctx context.Context, id string) error {
	cs.cache.mu.RLock()
	_, ok := cs.cache.docs[id]
	cs.cache.mu.RUnlock()
	if ok {
		return nil
	}
	return cs.loadFromBacking(ctx, id)
}

// loadFromBacking loads a document's latest snapshot and operations from the
// backing store into the cache. Loaded state is clean.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	snap, err := cs.backing.LatestSnapshot(ctx, id)
	if err != nil {
		return err
	}
	ops, err := cs.backing.GetOperations(ctx, id, 0)
	if err != nil {
		return err
	}

	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &docRecord{
			history:  ops,
			versions: []ContentVersion{*snap},
		}
	}
	cs.cache.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]*dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		cp.snapshots = append([]ContentVersion(nil), ds.snapshots...)
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		seed := rec.versions[0]
		var newOps []ot.Operation
		if ds.flushedOps < len(rec.history) {
			newOps = make([]ot.Operation, len(rec.history)-ds.flushedOps)
			copy(newOps, rec.history[ds.flushedOps:])
		}
		cs.cache.mu.RUnlock()

		// 1. Create doc in backing store if needed.
		if ds.created {
			if err := cs.backing.Create(ctx, seed); err != nil && !errors.Is(err, ErrAlreadyExists) {
				cs.logger.Error("create in backing store failed", "content_id", id, "err", err)
				continue
			}
			ds.created = false
		}

		// 2. Flush new ops.
		for _, op := range newOps {
			version := ds.flushedOps + 1
			if err := cs.backing.AppendOperation(ctx, id, op, version); err != nil {
				cs.logger.Error("flush operation failed", "content_id", id, "version", version, "err", err)
				// Stop flushing this doc; retry next cycle.
				break
			}
			ds.flushedOps++
		}

		// 3. Flush snapshots whose history is already durable.
		flushedSnaps := 0
		for _, snap := range ds.snapshots {
			if snap.Version > ds.flushedOps {
				break
			}
			if err := cs.backing.SaveSnapshot(ctx, snap); err != nil {
				cs.logger.Error("flush snapshot failed", "content_id", id, "version", snap.Version, "err", err)
				break
			}
			flushedSnaps++
		}

		// Update the authoritative dirty state.
		cs.mu.Lock()
		if cur := cs.dirty[id]; cur != nil {
			cur.created = ds.created
			cur.flushedOps = ds.flushedOps
			cur.snapshots = cur.snapshots[flushedSnaps:]
			cs.cache.mu.RLock()
			r, ok := cs.cache.docs[id]
			clean := ok && !cur.created && len(cur.snapshots) == 0 && cur.flushedOps >= len(r.history)
			cs.cache.mu.RUnlock()
			if clean {
				delete(cs.dirty, id)
			}
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
