package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epd-frame-backend/internal/model"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestSelector(seed uint64) *Selector {
	return NewSelector(
		WithClock(func() time.Time { return fixedNow }),
		WithRand(rand.New(rand.NewPCG(seed, seed+1))),
	)
}

func TestSelectAndAdvance_UniqueMinimumIsPrimary(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		catalog := newMemCatalog(
			model.MediaItem{ItemID: "old", LastShownTS: 10},
			model.MediaItem{ItemID: "newer", LastShownTS: 20},
			model.MediaItem{ItemID: "newest", LastShownTS: 30},
		)
		sel, err := newTestSelector(uint64(trial)).SelectAndAdvance(context.Background(), catalog)
		require.NoError(t, err)
		require.Len(t, sel.Items, 1)
		assert.Equal(t, "old", sel.PrimaryID())
		assert.Nil(t, sel.PartnerID())
	}
}

func TestSelectAndAdvance_TiesAreUniform(t *testing.T) {
	const trials = 3000
	selector := newTestSelector(42)
	counts := map[string]int{}

	for i := 0; i < trials; i++ {
		catalog := newMemCatalog(
			model.MediaItem{ItemID: "a", LastShownTS: 5},
			model.MediaItem{ItemID: "b", LastShownTS: 5},
			model.MediaItem{ItemID: "c", LastShownTS: 5},
			model.MediaItem{ItemID: "d", LastShownTS: 6},
		)
		sel, err := selector.SelectAndAdvance(context.Background(), catalog)
		require.NoError(t, err)
		counts[sel.PrimaryID()]++
	}

	assert.Zero(t, counts["d"])
	// Expected 1000 each with a standard deviation near 26; 150 is roughly six sigma.
	for _, id := range []string{"a", "b", "c"} {
		assert.InDelta(t, trials/3, counts[id], 150, "item %s picked %d times", id, counts[id])
	}
}

func TestSelectAndAdvance_AdvancesOnlySelectedItems(t *testing.T) {
	catalog := newMemCatalog(
		model.MediaItem{ItemID: "p1", Portrait: true, LastShownTS: 1},
		model.MediaItem{ItemID: "p2", Portrait: true, LastShownTS: fixedNow.Unix() + 50},
		model.MediaItem{ItemID: "l1", LastShownTS: 100},
		model.MediaItem{ItemID: "l2", LastShownTS: 200},
	)

	sel, err := newTestSelector(7).SelectAndAdvance(context.Background(), catalog)
	require.NoError(t, err)
	require.Len(t, sel.Items, 2)
	assert.Equal(t, "p1", sel.PrimaryID())
	require.NotNil(t, sel.PartnerID())
	assert.Equal(t, "p2", *sel.PartnerID())

	assert.Equal(t, fixedNow.Unix(), catalog.ts("p1"))
	// A watermark already ahead of the clock still moves forward.
	assert.Equal(t, fixedNow.Unix()+51, catalog.ts("p2"))
	assert.Equal(t, int64(100), catalog.ts("l1"))
	assert.Equal(t, int64(200), catalog.ts("l2"))

	for _, it := range sel.Items {
		assert.Equal(t, catalog.ts(it.ItemID), it.LastShownTS, "returned rows carry advanced watermarks")
	}
}

func TestSelectAndAdvance_PortraitPairing(t *testing.T) {
	t.Run("lone portrait when no partner exists", func(t *testing.T) {
		catalog := newMemCatalog(
			model.MediaItem{ItemID: "p", Portrait: true},
			model.MediaItem{ItemID: "l", LastShownTS: 9},
		)
		sel, err := newTestSelector(1).SelectAndAdvance(context.Background(), catalog)
		require.NoError(t, err)
		require.Len(t, sel.Items, 1)
		assert.Equal(t, "p", sel.PrimaryID())
		assert.Equal(t, int64(9), catalog.ts("l"))
	})

	t.Run("landscape primary is never paired", func(t *testing.T) {
		catalog := newMemCatalog(
			model.MediaItem{ItemID: "l"},
			model.MediaItem{ItemID: "p1", Portrait: true, LastShownTS: 3},
			model.MediaItem{ItemID: "p2", Portrait: true, LastShownTS: 4},
		)
		sel, err := newTestSelector(1).SelectAndAdvance(context.Background(), catalog)
		require.NoError(t, err)
		require.Len(t, sel.Items, 1)
		assert.Equal(t, "l", sel.PrimaryID())
	})

	t.Run("pair is distinct portraits in both display orders", func(t *testing.T) {
		selector := newTestSelector(99)
		primarySlots := map[int]int{}
		partners := map[string]int{}
		for i := 0; i < 400; i++ {
			catalog := newMemCatalog(
				model.MediaItem{ItemID: "p1", Portrait: true},
				model.MediaItem{ItemID: "p2", Portrait: true, LastShownTS: 50},
				model.MediaItem{ItemID: "p3", Portrait: true, LastShownTS: 60},
				model.MediaItem{ItemID: "l", LastShownTS: 70},
			)
			sel, err := selector.SelectAndAdvance(context.Background(), catalog)
			require.NoError(t, err)
			require.Len(t, sel.Items, 2)
			assert.True(t, sel.Items[0].Portrait && sel.Items[1].Portrait)
			assert.NotEqual(t, sel.Items[0].ItemID, sel.Items[1].ItemID)
			assert.Equal(t, "p1", sel.PrimaryID())
			primarySlots[sel.Primary]++
			partners[*sel.PartnerID()]++
		}
		assert.Positive(t, primarySlots[0])
		assert.Positive(t, primarySlots[1])
		assert.Positive(t, partners["p2"])
		assert.Positive(t, partners["p3"])
		assert.Zero(t, partners["l"])
	})
}

func TestSelectAndAdvance_ConcurrentClaimsNeverCollide(t *testing.T) {
	catalog := newMemCatalog(
		model.MediaItem{ItemID: "first", LastShownTS: 0},
		model.MediaItem{ItemID: "second", LastShownTS: 5},
	)

	// Hold both selectors until each has read the same minimum.
	var ready sync.WaitGroup
	ready.Add(2)
	var reads sync.Mutex
	readCount := 0
	catalog.beforeRead = func() {
		reads.Lock()
		readCount++
		n := readCount
		reads.Unlock()
		if n <= 2 {
			ready.Done()
			ready.Wait()
		}
	}

	selector := newTestSelector(3)
	results := make([]string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel, err := selector.SelectAndAdvance(context.Background(), catalog)
			if assert.NoError(t, err) {
				results[i] = sel.PrimaryID()
			}
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"first", "second"}, results)
}

func TestSelectAndAdvance_ConcurrentStress(t *testing.T) {
	const items = 400
	seed := make([]model.MediaItem, items)
	for i := range seed {
		seed[i] = model.MediaItem{ItemID: fmt.Sprintf("item-%03d", i)}
	}
	catalog := newMemCatalog(seed...)
	// Each lost race means another worker consumed an item, so items bounds the retries.
	selector := NewSelector(
		WithClock(func() time.Time { return fixedNow }),
		WithMaxAttempts(items),
	)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < items/8; i++ {
				sel, err := selector.SelectAndAdvance(context.Background(), catalog)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[sel.PrimaryID()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every claim moves an item off the minimum, so each item is claimed exactly once.
	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestSelectAndAdvance_Failures(t *testing.T) {
	t.Run("empty album", func(t *testing.T) {
		_, err := newTestSelector(1).SelectAndAdvance(context.Background(), newMemCatalog())
		assert.ErrorIs(t, err, ErrSelectionFailed)
		assert.ErrorIs(t, err, ErrEmptyAlbum)
	})

	t.Run("store error", func(t *testing.T) {
		catalog := newMemCatalog(model.MediaItem{ItemID: "a"})
		boom := errors.New("connection reset")
		catalog.failLoad = boom
		_, err := newTestSelector(1).SelectAndAdvance(context.Background(), catalog)
		assert.ErrorIs(t, err, ErrSelectionFailed)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("contention exhausts attempts", func(t *testing.T) {
		selector := NewSelector(WithMaxAttempts(3))
		_, err := selector.SelectAndAdvance(context.Background(), losingCatalog{})
		assert.ErrorIs(t, err, ErrSelectionFailed)
		assert.ErrorIs(t, err, ErrContention)
	})
}

// losingCatalog reports a candidate but always loses the claim.
type losingCatalog struct{}

func (l losingCatalog) Atomically(ctx context.Context, fn func(tx CatalogTx) error) error {
	return fn(l)
}

func (losingCatalog) LeastRecentlyShown(ctx context.Context) ([]Candidate, error) {
	return []Candidate{{ItemID: "ghost"}}, nil
}

func (losingCatalog) PortraitIDs(ctx context.Context, exclude string) ([]string, error) {
	return nil, nil
}

func (losingCatalog) CompareAndAdvance(ctx context.Context, id string, seen, now int64) (bool, error) {
	return false, nil
}

func (losingCatalog) Advance(ctx context.Context, id string, now int64) error { return nil }

func (losingCatalog) Load(ctx context.Context, ids []string) ([]model.MediaItem, error) {
	return nil, nil
}
