// Package cache provides a bounded TTL+LRU read-through cache in front of
// the hypothesis store. The cache is strictly an optimization: writes go to
// the store first and invalidate (never refresh) the cached entry, and a nil
// or disabled cache degrades every operation to a direct store call.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/store"
)

// Options configures the hypothesis cache.
type Options struct {
	// Capacity is the maximum number of cached hypotheses. Default: 4096.
	Capacity int
	// TTL is how long an entry stays valid after being populated. Default: 5m.
	TTL time.Duration
}

type entry struct {
	id        string
	h         model.Hypothesis
	expiresAt time.Time
	elem      *list.Element
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// HypothesisCache wraps a Store with a bounded LRU of hypotheses. Safe for
// concurrent use by all entity workers.
type HypothesisCache struct {
	store store.Store
	opts  Options

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	flight  singleflight.Group

	hits      int64
	misses    int64
	evictions int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a cache over the given store.
func New(st store.Store, opts Options) *HypothesisCache {
	if opts.Capacity <= 0 {
		opts.Capacity = 4096
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	return &HypothesisCache{
		store:   st,
		opts:    opts,
		entries: make(map[string]*entry),
		lru:     list.New(),
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *HypothesisCache) WithNow(now func() time.Time) *HypothesisCache {
	c.nowFunc = now
	return c
}

// Get returns the hypothesis by id, reading through the store on a miss.
// Concurrent misses for the same id collapse into one store read.
func (c *HypothesisCache) Get(ctx context.Context, id string) (*model.Hypothesis, error) {
	if c == nil {
		return nil, eris.New("cache: nil cache")
	}

	if h, ok := c.lookup(id); ok {
		return h, nil
	}

	v, err, _ := c.flight.Do(id, func() (any, error) {
		h, err := c.store.GetHypothesis(ctx, id)
		if err != nil {
			return nil, err
		}
		c.populate(*h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h := *(v.(*model.Hypothesis))
	return &h, nil
}

// Create writes through to the store. The new hypothesis is not cached
// eagerly; the first Get populates it.
func (c *HypothesisCache) Create(ctx context.Context, h model.Hypothesis) error {
	return c.store.CreateHypothesis(ctx, h)
}

// Update persists to the store first, then invalidates the cached entry.
// Invalidation rather than refresh avoids serving data the store never
// durably committed.
func (c *HypothesisCache) Update(ctx context.Context, h model.Hypothesis) (*model.Hypothesis, error) {
	updated, err := c.store.UpdateHypothesis(ctx, h)
	c.Invalidate(h.ID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes from the store first, then invalidates.
func (c *HypothesisCache) Delete(ctx context.Context, id string) error {
	err := c.store.DeleteHypothesis(ctx, id)
	c.Invalidate(id)
	return err
}

// ListOpen returns the entity's non-terminal hypotheses. List reads always
// go to the store (the cache indexes by hypothesis id only); individual
// results are populated for subsequent Gets.
func (c *HypothesisCache) ListOpen(ctx context.Context, entityID string) ([]model.Hypothesis, error) {
	hs, err := c.store.ListHypotheses(ctx, entityID,
		[]model.HypothesisState{model.StatePending, model.StateTesting})
	if err != nil {
		return nil, err
	}
	for _, h := range hs {
		c.populate(h)
	}
	return hs, nil
}

// Invalidate drops the entry for id, if any.
func (c *HypothesisCache) Invalidate(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, id)
	}
}

// Stats returns a snapshot of cache counters.
func (c *HypothesisCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// lookup returns a copy of the cached hypothesis if present and unexpired.
func (c *HypothesisCache) lookup(id string) (*model.Hypothesis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.nowFunc().After(e.expiresAt) {
		c.lru.Remove(e.elem)
		delete(c.entries, id)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(e.elem)
	c.hits++
	h := e.h
	return &h, true
}

// populate inserts or refreshes an entry, evicting the least recently used
// entry when over capacity.
func (c *HypothesisCache) populate(h model.Hypothesis) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.nowFunc().Add(c.opts.TTL)
	if e, ok := c.entries[h.ID]; ok {
		e.h = h
		e.expiresAt = expires
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &entry{id: h.ID, h: h, expiresAt: expires}
	e.elem = c.lru.PushFront(e)
	c.entries[h.ID] = e

	for len(c.entries) > c.opts.Capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, victim.id)
		c.evictions++
	}
}

// Warmer periodically pre-populates the cache with hypotheses of the most
// recently updated entities. It uses the same read-through path as Get, so
// the store stays the source of truth.
type Warmer struct {
	cache    *HypothesisCache
	interval time.Duration
	batch    int
}

// NewWarmer creates a background warmer.
func NewWarmer(c *HypothesisCache, interval time.Duration, batch int) *Warmer {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Warmer{cache: c, interval: interval, batch: batch}
}

// Run blocks until ctx is cancelled, warming on each tick.
func (w *Warmer) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "cache.warmer"))
	log.Info("starting cache warmer",
		zap.Duration("interval", w.interval),
		zap.Int("batch", w.batch),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cache warmer stopped")
			return
		case <-ticker.C:
			if err := w.warm(ctx); err != nil {
				log.Warn("cache warm pass failed", zap.Error(err))
			}
		}
	}
}

func (w *Warmer) warm(ctx context.Context) error {
	ids, err := w.cache.store.RecentEntityIDs(ctx, w.batch)
	if err != nil {
		return eris.Wrap(err, "cache: recent entities")
	}
	for _, entityID := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.cache.ListOpen(ctx, entityID); err != nil {
			zap.L().Debug("cache warm skipped entity",
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
		}
	}
	return nil
}
