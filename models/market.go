package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// MarketEntry is one tradable pair joined from the market list and the
// ticker. Volume is the base-asset volume.
type MarketEntry struct {
	PairID      string          `json:"pair_id"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	USDVolume   decimal.Decimal `json:"usd_volume"`
	LastPrice   decimal.Decimal `json:"last_price"`
}

// MarketTable is an immutable catalog snapshot ordered by USD volume,
// highest first, and indexed by pair id.
type MarketTable struct {
	entries []MarketEntry
	index   map[string]int
}

// NewMarketTable builds the table from entries. When a pair id repeats, the
// first row wins.
func NewMarketTable(entries []MarketEntry) *MarketTable {
	seen := make(map[string]struct{}, len(entries))
	sorted := make([]MarketEntry, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.PairID]; dup {
			continue
		}
		seen[e.PairID] = struct{}{}
		sorted = append(sorted, e)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].USDVolume.Cmp(sorted[j].USDVolume); c != 0 {
			return c > 0
		}
		return sorted[i].PairID < sorted[j].PairID
	})

	index := make(map[string]int, len(sorted))
	for i, e := range sorted {
		index[e.PairID] = i
	}
	return &MarketTable{entries: sorted, index: index}
}

func (t *MarketTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func (t *MarketTable) Get(pair string) (MarketEntry, bool) {
	if t == nil {
		return MarketEntry{}, false
	}
	i, ok := t.index[pair]
	if !ok {
		return MarketEntry{}, false
	}
	return t.entries[i], true
}

// Entries returns a copy of the rows in table order.
func (t *MarketTable) Entries() []MarketEntry {
	if t == nil {
		return nil
	}
	out := make([]MarketEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// PairIDs returns the pair ids in table order.
func (t *MarketTable) PairIDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.PairID
	}
	return ids
}
