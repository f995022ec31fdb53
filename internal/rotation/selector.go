// Package rotation picks which album items a frame shows next.
//
// The least recently shown item is the primary. Ties are broken uniformly at
// random. A portrait primary is paired with another portrait chosen uniformly
// from all other portraits regardless of when they were last shown. Every
// picked item has its last-shown watermark advanced in the same store
// transaction that picked it, and the primary is claimed with a
// compare-and-update so two concurrent selectors never claim the same item.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"epd-frame-backend/internal/model"
)

var (
	// ErrSelectionFailed wraps every failure of SelectAndAdvance.
	ErrSelectionFailed = errors.New("selection failed")
	// ErrEmptyAlbum means there is nothing to show.
	ErrEmptyAlbum = errors.New("album is empty")
	// ErrContention means every claim attempt lost to a concurrent selector.
	ErrContention = errors.New("lost every claim race")
)

const defaultMaxAttempts = 8

// Candidate is an item tied at the minimum last-shown watermark.
type Candidate struct {
	ItemID      string `gorm:"column:item_id"`
	LastShownTS int64  `gorm:"column:last_shown_ts"`
	Portrait    bool   `gorm:"column:portrait"`
}

// CatalogTx is the album as seen from inside one store transaction.
type CatalogTx interface {
	// LeastRecentlyShown returns every item whose watermark equals the minimum.
	LeastRecentlyShown(ctx context.Context) ([]Candidate, error)
	// PortraitIDs returns the IDs of all portrait items except exclude.
	PortraitIDs(ctx context.Context, exclude string) ([]string, error)
	// CompareAndAdvance advances id's watermark only if it still equals seen.
	CompareAndAdvance(ctx context.Context, id string, seen, now int64) (bool, error)
	// Advance unconditionally advances id's watermark.
	Advance(ctx context.Context, id string, now int64) error
	// Load reads the full rows for ids.
	Load(ctx context.Context, ids []string) ([]model.MediaItem, error)
}

// Catalog runs fn inside a single store transaction.
type Catalog interface {
	Atomically(ctx context.Context, fn func(tx CatalogTx) error) error
}

// Selection is the outcome of one rotation step.
type Selection struct {
	// Items are in display order; with two portraits Items[0] goes left.
	Items []model.MediaItem
	// Primary indexes the least recently shown item within Items.
	Primary int
}

// PrimaryID returns the ID of the least recently shown item.
func (s Selection) PrimaryID() string {
	return s.Items[s.Primary].ItemID
}

// PartnerID returns the paired portrait's ID, or nil for single-item selections.
func (s Selection) PartnerID() *string {
	if len(s.Items) < 2 {
		return nil
	}
	id := s.Items[1-s.Primary].ItemID
	return &id
}

// Selector implements the rotation policy. It is safe for concurrent use.
type Selector struct {
	now         func() time.Time
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithRand overrides the random source used for tie-breaking, pairing and ordering.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rng = r }
}

// WithMaxAttempts bounds how many lost claim races are retried.
func WithMaxAttempts(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewSelector creates a Selector.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Selector) intN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// SelectAndAdvance picks the next item or portrait pair and advances their
// watermarks, all in one store transaction.
func (s *Selector) SelectAndAdvance(ctx context.Context, catalog Catalog) (Selection, error) {
	now := s.now().Unix()

	var sel Selection
	err := catalog.Atomically(ctx, func(tx CatalogTx) error {
		primary, err := s.claimPrimary(ctx, tx, now)
		if err != nil {
			return err
		}

		ids := []string{primary.ItemID}
		if primary.Portrait {
			partner, err := s.pickPartner(ctx, tx, primary.ItemID)
			if err != nil {
				return err
			}
			if partner != "" {
				if err := tx.Advance(ctx, partner, now); err != nil {
					return fmt.Errorf("failed to advance partner %s: %w", partner, err)
				}
				ids = append(ids, partner)
			}
		}

		// Re-read so the returned rows carry the advanced watermarks.
		loaded, err := tx.Load(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to read back selection: %w", err)
		}
		if len(loaded) != len(ids) {
			return fmt.Errorf("read back %d of %d selected items", len(loaded), len(ids))
		}
		sel = s.order(loaded, primary.ItemID)
		return nil
	})
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %w", ErrSelectionFailed, err)
	}
	return sel, nil
}

func (s *Selector) claimPrimary(ctx context.Context, tx CatalogTx, now int64) (Candidate, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		candidates, err := tx.LeastRecentlyShown(ctx)
		if err != nil {
			return Candidate{}, fmt.Errorf("failed to find least recently shown items: %w", err)
		}
		if len(candidates) == 0 {
			return Candidate{}, ErrEmptyAlbum
		}

		pick := candidates[s.intN(len(candidates))]
		claimed, err := tx.CompareAndAdvance(ctx, pick.ItemID, pick.LastShownTS, now)
		if err != nil {
			return Candidate{}, fmt.Errorf("failed to advance item %s: %w", pick.ItemID, err)
		}
		if claimed {
			return pick, nil
		}
	}
	return Candidate{}, ErrContention
}

func (s *Selector) pickPartner(ctx context.Context, tx CatalogTx, primary string) (string, error) {
	ids, err := tx.PortraitIDs(ctx, primary)
	if err != nil {
		return "", fmt.Errorf("failed to list portrait partners: %w", err)
	}
	// Never pair the primary with itself, whatever the store returned.
	partners := ids[:0:0]
	for _, id := range ids {
		if id != primary {
			partners = append(partners, id)
		}
	}
	if len(partners) == 0 {
		return "", nil
	}
	return partners[s.intN(len(partners))], nil
}

// order shuffles the loaded rows into display order and records where the primary landed.
func (s *Selector) order(items []model.MediaItem, primary string) Selection {
	if len(items) == 2 && s.intN(2) == 1 {
		items[0], items[1] = items[1], items[0]
	}
	sel := Selection{Items: items}
	for i, it := range items {
		if it.ItemID == primary {
			sel.Primary = i
		}
	}
	return sel
}
