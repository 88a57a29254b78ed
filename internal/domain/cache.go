package domain

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"pytx.dev/pkg/pytx/internal/adapter"
	"pytx.dev/pkg/pytx/internal/metrics"
	m "pytx.dev/pkg/pytx/internal/model"
)

// cacheEntry pairs a sealed result model with the fingerprints it was
// produced under.
type cacheEntry struct {
	selection *Selection
	sourceFP  string
	model     *m.ResultModel
	createdAt time.Time
	ttl       time.Duration
	elem      *list.Element
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// ResultCache stores sealed result models keyed by (selection
// fingerprint, source fingerprint). Bounded LRU with per-entry TTL
// checked lazily on lookup; one coarse mutex guards all state.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
	lru      *list.List
	now      func() time.Time
}

// NewResultCache creates a cache holding at most capacity entries.
func NewResultCache(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = 32
	}

	return &ResultCache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get serves a model for the selection when the cache holds an exact
// fingerprint match. The one relaxation is a superset entry containing
// every requested node whose source fingerprint still matches current
// source state. Subset hits are sliced to exactly the requested nodes.
func (c *ResultCache) Get(sel *Selection, sourceFP string) (*m.ResultModel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.lookupExact(sel.Fingerprint(), sourceFP); entry != nil {
		metrics.CacheHits.Inc()
		return entry.model, true
	}

	if model := c.lookupSuperset(sel); model != nil {
		metrics.CacheHits.Inc()
		return model, true
	}

	metrics.CacheMisses.Inc()

	return nil, false
}

func (c *ResultCache) lookupExact(selFP, sourceFP string) *cacheEntry {
	entry, ok := c.entries[selFP]
	if !ok {
		return nil
	}

	if entry.expired(c.now()) {
		c.remove(entry)
		return nil
	}

	if entry.sourceFP != sourceFP {
		// Source changed under the selection; the entry can never be
		// served again.
		c.remove(entry)
		return nil
	}

	c.lru.MoveToFront(entry.elem)

	return entry
}

func (c *ResultCache) lookupSuperset(sel *Selection) *m.ResultModel {
	now := c.now()

	for _, entry := range c.entries {
		if entry.expired(now) {
			c.remove(entry)
			continue
		}

		if !sel.ContainedIn(entry.selection) {
			continue
		}

		currentFP, err := entry.selection.SourceFingerprint()
		if err != nil || currentFP != entry.sourceFP {
			continue
		}

		sliced, err := entry.model.Slice(sel.Nodes)
		if err != nil {
			slog.Warn("failed to slice cached superset", "error", err)
			continue
		}

		c.lru.MoveToFront(entry.elem)

		return sliced
	}

	return nil
}

// Put stores a freshly sealed model, replacing any entry with the same
// selection fingerprint and evicting the least recently used entry
// beyond capacity.
func (c *ResultCache) Put(sel *Selection, sourceFP string, model *m.ResultModel, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	selFP := sel.Fingerprint()

	if existing, ok := c.entries[selFP]; ok {
		c.remove(existing)
	}

	entry := &cacheEntry{
		selection: sel,
		sourceFP:  sourceFP,
		model:     model,
		createdAt: c.now(),
		ttl:       ttl,
	}
	entry.elem = c.lru.PushFront(selFP)
	c.entries[selFP] = entry

	for len(c.entries) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}

		c.remove(c.entries[oldest.Value.(string)])
	}
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *ResultCache) remove(entry *cacheEntry) {
	delete(c.entries, entry.selection.Fingerprint())
	c.lru.Remove(entry.elem)
}

// cacheSnapshot is the serialized form of the cache.
type cacheSnapshot struct {
	Entries []cacheSnapshotEntry `json:"entries"`
}

type cacheSnapshotEntry struct {
	Criteria  Criteria       `json:"criteria"`
	Nodes     []m.TestNodeID `json:"nodes"`
	Files     []string       `json:"files"`
	SourceFP  string         `json:"source_fp"`
	Model     *m.ResultModel `json:"model"`
	CreatedAt time.Time      `json:"created_at"`
	TTL       time.Duration  `json:"ttl"`
}

// Snapshot persists the cache as a single serialized snapshot.
func (c *ResultCache) Snapshot(store adapter.SnapshotStore, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := cacheSnapshot{}

	for _, entry := range c.entries {
		snapshot.Entries = append(snapshot.Entries, cacheSnapshotEntry{
			Criteria:  entry.selection.Criteria,
			Nodes:     entry.selection.Nodes,
			Files:     entry.selection.files,
			SourceFP:  entry.sourceFP,
			Model:     entry.model,
			CreatedAt: entry.createdAt,
			TTL:       entry.ttl,
		})
	}

	return store.Save(path, snapshot)
}

// Restore loads a snapshot written by Snapshot. Missing or corrupt
// snapshots leave the cache empty.
func (c *ResultCache) Restore(store adapter.SnapshotStore, path, workDir string) {
	var snapshot cacheSnapshot

	ok, err := store.Load(path, &snapshot)
	if err != nil || !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, saved := range snapshot.Entries {
		model := saved.Model
		if model == nil {
			continue
		}

		// Serialization drops the sealed flag; re-seal to restore the
		// immutability guarantee and recheck the count invariant.
		if err := model.Seal(model.Status); err != nil {
			slog.Warn("dropping unrestorable cache entry", "error", err)
			continue
		}

		selection := &Selection{
			Criteria: saved.Criteria,
			Nodes:    saved.Nodes,
			workDir:  workDir,
			files:    saved.Files,
		}

		entry := &cacheEntry{
			selection: selection,
			sourceFP:  saved.SourceFP,
			model:     model,
			createdAt: saved.CreatedAt,
			ttl:       saved.TTL,
		}
		entry.elem = c.lru.PushFront(selection.Fingerprint())
		c.entries[selection.Fingerprint()] = entry
	}
}
