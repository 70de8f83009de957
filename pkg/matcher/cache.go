package matcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

// Source supplies the active lookup table and a cheap change fingerprint.
// store.LookupStore satisfies it.
type Source interface {
	ActiveEntries(ctx context.Context) ([]contracts.LookupEntry, error)
	Fingerprint(ctx context.Context) (config.Fingerprint, error)
}

// Cache is an immutable snapshot of the regulator lookup table. Entries for
// a search name keep the store's (match_rank, id) ordering, so index 0 is
// always the highest-priority row. Snapshots are shared across matcher
// workers without locking; replacing a snapshot goes through Handle.
type Cache struct {
	bySearch map[string][]contracts.LookupEntry
	names    []string // sorted, for deterministic fuzzy scans
	fp       config.Fingerprint
}

func buildCache(entries []contracts.LookupEntry, fp config.Fingerprint) *Cache {
	c := &Cache{
		bySearch: make(map[string][]contracts.LookupEntry, len(entries)),
		fp:       fp,
	}
	for _, e := range entries {
		if _, seen := c.bySearch[e.SearchName]; !seen {
			c.names = append(c.names, e.SearchName)
		}
		c.bySearch[e.SearchName] = append(c.bySearch[e.SearchName], e)
	}
	sort.Strings(c.names)
	return c
}

// Entries returns the rank-ordered rows for a normalized search name.
func (c *Cache) Entries(name string) []contracts.LookupEntry {
	return c.bySearch[name]
}

// Names returns every distinct search name in ascending order.
func (c *Cache) Names() []string { return c.names }

// Size returns the number of distinct search names.
func (c *Cache) Size() int { return len(c.names) }

// Handle owns the live cache snapshot and rebuilds it when the underlying
// lookup table changes. Rebuilds are serialized by the write lock; Snapshot
// is a read-locked pointer fetch so matching never blocks behind a refresh
// that turns out to be a no-op.
type Handle struct {
	src Source

	mu  sync.RWMutex
	cur *Cache
}

func NewHandle(src Source) *Handle {
	return &Handle{src: src}
}

// Refresh unconditionally reloads the lookup table.
func (h *Handle) Refresh(ctx context.Context) error {
	fp, err := h.src.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("lookup cache: %w", err)
	}
	entries, err := h.src.ActiveEntries(ctx)
	if err != nil {
		return fmt.Errorf("lookup cache: %w", err)
	}
	h.mu.Lock()
	h.cur = buildCache(entries, fp)
	h.mu.Unlock()
	return nil
}

// RefreshIfChanged reloads only when the table fingerprint moved since the
// current snapshot was built. Returns whether a rebuild happened.
func (h *Handle) RefreshIfChanged(ctx context.Context) (bool, error) {
	fp, err := h.src.Fingerprint(ctx)
	if err != nil {
		return false, fmt.Errorf("lookup cache: %w", err)
	}
	h.mu.RLock()
	cur := h.cur
	h.mu.RUnlock()
	if cur != nil && cur.fp.Equal(fp) {
		return false, nil
	}
	entries, err := h.src.ActiveEntries(ctx)
	if err != nil {
		return false, fmt.Errorf("lookup cache: %w", err)
	}
	h.mu.Lock()
	h.cur = buildCache(entries, fp)
	h.mu.Unlock()
	return true, nil
}

// Snapshot returns the current cache, or nil before the first refresh.
func (h *Handle) Snapshot() *Cache {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}
