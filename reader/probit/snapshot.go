package probit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"booksync/logger"
	"booksync/models"
)

// snapshotFetcher issues exactly one depth request per call. Retrying is up
// to the caller.
type snapshotFetcher struct {
	rest  *restClient
	clock clock.Clock
}

func (f *snapshotFetcher) Snapshot(ctx context.Context, pair string) (*models.RawSnapshot, error) {
	var entries []models.DepthEntry
	size, err := f.rest.getData(ctx, orderBookEndpoint, pair, url.Values{"market_id": {pair}}, &entries)
	if err != nil {
		return nil, err
	}
	logger.IncrementSnapshotRead(size)
	return &models.RawSnapshot{
		TradingPair: pair,
		Entries:     entries,
		FetchedAt:   f.clock.Now(),
	}, nil
}

// NormalizeSnapshot turns a depth response into a Snapshot message: bids
// strictly decreasing, asks strictly increasing, equal prices merged and
// empty levels dropped. The update id is the fetch time in milliseconds.
func NormalizeSnapshot(raw *models.RawSnapshot) (models.OrderBookMessage, error) {
	if raw == nil {
		return models.OrderBookMessage{}, &MalformedResponseError{Endpoint: orderBookEndpoint, Err: errors.New("nil snapshot")}
	}

	bids, asks, err := splitSides(raw.Entries, true)
	if err != nil {
		return models.OrderBookMessage{}, &MalformedResponseError{Endpoint: orderBookEndpoint, Pair: raw.TradingPair, Err: err}
	}

	return models.OrderBookMessage{
		Type:        models.Snapshot,
		TradingPair: raw.TradingPair,
		Timestamp:   raw.FetchedAt,
		UpdateID:    raw.FetchedAt.UnixMilli(),
		Bids:        bids,
		Asks:        asks,
	}, nil
}

// splitSides parses depth rows into sorted bid and ask levels. With
// snapshot set, repeated prices are summed and zero sizes dropped;
// otherwise the last row for a price wins and zero sizes are kept as
// removals.
func splitSides(entries []models.DepthEntry, snapshot bool) (bids, asks []models.PriceLevel, err error) {
	bidMap := make(map[string]models.PriceLevel)
	askMap := make(map[string]models.PriceLevel)

	for i, e := range entries {
		price, err := decimal.NewFromString(strings.TrimSpace(e.Price))
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d price %q: %w", i, e.Price, err)
		}
		size, err := decimal.NewFromString(strings.TrimSpace(e.Quantity))
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d quantity %q: %w", i, e.Quantity, err)
		}
		if !price.IsPositive() {
			return nil, nil, fmt.Errorf("entry %d: non-positive price %s", i, price)
		}
		if size.IsNegative() {
			return nil, nil, fmt.Errorf("entry %d: negative quantity %s", i, size)
		}

		var side map[string]models.PriceLevel
		switch strings.ToLower(e.Side) {
		case models.SideBuy:
			side = bidMap
		case models.SideSell:
			side = askMap
		default:
			return nil, nil, fmt.Errorf("entry %d: unknown side %q", i, e.Side)
		}

		key := price.String()
		if snapshot {
			if prev, ok := side[key]; ok {
				size = size.Add(prev.Size)
			}
		}
		side[key] = models.PriceLevel{Price: price, Size: size}
	}

	return sortLevels(bidMap, true, snapshot), sortLevels(askMap, false, snapshot), nil
}

func sortLevels(side map[string]models.PriceLevel, descending, dropEmpty bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for _, l := range side {
		if dropEmpty && l.Size.IsZero() {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
