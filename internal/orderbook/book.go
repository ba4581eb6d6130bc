// Package orderbook holds the local depth state that snapshots and diffs are
// applied to.
package orderbook

import (
	"errors"
	"sort"
	"sync"
	"time"

	"booksync/models"
)

// ErrOutdatedUpdate is returned when a diff is older than the book.
var ErrOutdatedUpdate = errors.New("orderbook: outdated update")

// Book is a price-indexed order book safe for concurrent use.
type Book struct {
	mu           sync.RWMutex
	bids         map[string]models.PriceLevel
	asks         map[string]models.PriceLevel
	lastUpdateID int64
	updatedAt    time.Time
}

func New() *Book {
	return &Book{
		bids: make(map[string]models.PriceLevel),
		asks: make(map[string]models.PriceLevel),
	}
}

// ApplySnapshot replaces both sides. Zero-size levels are ignored.
func (b *Book) ApplySnapshot(bids, asks []models.PriceLevel, updateID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]models.PriceLevel, len(bids))
	b.asks = make(map[string]models.PriceLevel, len(asks))
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = updateID
	b.updatedAt = time.Now()
}

// ApplyDiff merges changed levels. Diffs must arrive in non-decreasing
// update id order; an older one is rejected and leaves the book untouched.
func (b *Book) ApplyDiff(bids, asks []models.PriceLevel, updateID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if updateID < b.lastUpdateID {
		return ErrOutdatedUpdate
	}
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = updateID
	b.updatedAt = time.Now()
	return nil
}

func applyLevels(side map[string]models.PriceLevel, levels []models.PriceLevel) {
	for _, l := range levels {
		key := l.Price.String()
		if l.Size.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = l
	}
}

func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// Bids returns up to depth levels, best first. depth <= 0 means all.
func (b *Book) Bids(depth int) []models.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.bids, true, depth)
}

// Asks returns up to depth levels, best first. depth <= 0 means all.
func (b *Book) Asks(depth int) []models.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.asks, false, depth)
}

func (b *Book) BestBid() (models.PriceLevel, bool) {
	levels := b.Bids(1)
	if len(levels) == 0 {
		return models.PriceLevel{}, false
	}
	return levels[0], true
}

func (b *Book) BestAsk() (models.PriceLevel, bool) {
	levels := b.Asks(1)
	if len(levels) == 0 {
		return models.PriceLevel{}, false
	}
	return levels[0], true
}

func sortedLevels(side map[string]models.PriceLevel, descending bool, depth int) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for _, l := range side {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// TrackerEntry is a pair with a book initialised from its first snapshot.
type TrackerEntry struct {
	TradingPair string
	Book        *Book
	Timestamp   time.Time
}
