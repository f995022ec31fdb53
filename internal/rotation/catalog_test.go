package rotation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"epd-frame-backend/internal/model"
)

// memCatalog is an in-memory album. Each operation is atomic on its own, so
// concurrent selectors interleave between operations exactly as they would
// between statements of separate store transactions.
type memCatalog struct {
	mu    sync.Mutex
	items map[string]*model.MediaItem

	beforeRead func()
	failLoad   error
}

func newMemCatalog(items ...model.MediaItem) *memCatalog {
	c := &memCatalog{items: make(map[string]*model.MediaItem)}
	for i := range items {
		it := items[i]
		c.items[it.ItemID] = &it
	}
	return c
}

func (c *memCatalog) Atomically(ctx context.Context, fn func(tx CatalogTx) error) error {
	return fn(c)
}

func (c *memCatalog) LeastRecentlyShown(ctx context.Context) ([]Candidate, error) {
	if c.beforeRead != nil {
		c.beforeRead()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Candidate
	first := true
	var minTS int64
	for _, it := range c.items {
		if first || it.LastShownTS < minTS {
			minTS = it.LastShownTS
			first = false
		}
	}
	for _, it := range c.items {
		if it.LastShownTS == minTS {
			out = append(out, Candidate{ItemID: it.ItemID, LastShownTS: it.LastShownTS, Portrait: it.Portrait})
		}
	}
	// Map order is random; keep candidate order stable so only the selector randomizes.
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (c *memCatalog) PortraitIDs(ctx context.Context, exclude string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, it := range c.items {
		if it.Portrait && id != exclude {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func advanced(current, now int64) int64 {
	if current >= now {
		return current + 1
	}
	return now
}

func (c *memCatalog) CompareAndAdvance(ctx context.Context, id string, seen, now int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok || it.LastShownTS != seen {
		return false, nil
	}
	it.LastShownTS = advanced(it.LastShownTS, now)
	return true, nil
}

func (c *memCatalog) Advance(ctx context.Context, id string, now int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return errors.New("no such item")
	}
	it.LastShownTS = advanced(it.LastShownTS, now)
	return nil
}

func (c *memCatalog) Load(ctx context.Context, ids []string) ([]model.MediaItem, error) {
	if c.failLoad != nil {
		return nil, c.failLoad
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.MediaItem
	for _, id := range ids {
		if it, ok := c.items[id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (c *memCatalog) ts(id string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[id].LastShownTS
}
