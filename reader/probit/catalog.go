package probit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"booksync/internal/cache"
	"booksync/internal/metrics"
	"booksync/internal/symbols"
	"booksync/logger"
	"booksync/models"
)

// marketRow is one entry of the market endpoint. Older payloads name the id
// market_id instead of id.
type marketRow struct {
	ID       string `json:"id"`
	MarketID string `json:"market_id"`
	Base     string `json:"base_currency_id"`
	Quote    string `json:"quote_currency_id"`
	Closed   bool   `json:"closed"`
}

func (m marketRow) pairID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.MarketID
}

type tickerRow struct {
	MarketID    string `json:"market_id"`
	Last        string `json:"last"`
	BaseVolume  string `json:"base_volume"`
	QuoteVolume string `json:"quote_volume"`
}

type ticker struct {
	last        decimal.Decimal
	baseVolume  decimal.Decimal
	quoteVolume decimal.Decimal
}

// catalog resolves the active market table and caches it.
type catalog struct {
	rest  *restClient
	cache *cache.TTL[*models.MarketTable]
	log   *logger.Log
}

func newCatalog(rest *restClient, ttl time.Duration, clk clock.Clock, log *logger.Log) *catalog {
	c := &catalog{rest: rest, log: log}
	c.cache = cache.NewTTL(ttl, c.fetch, cache.WithClock[*models.MarketTable](clk))
	return c
}

// ActiveMarkets returns the joined catalog, served from cache within the TTL.
func (c *catalog) ActiveMarkets(ctx context.Context) (*models.MarketTable, error) {
	return c.cache.Get(ctx)
}

func (c *catalog) fetch(ctx context.Context) (*models.MarketTable, error) {
	start := time.Now()
	table, err := c.fetchUncached(ctx)
	metrics.CatalogRefreshed(err)
	if err != nil {
		return nil, err
	}

	log := c.log.WithComponent("probit_catalog")
	logger.LogPerformanceEntry(log, "probit_catalog", "fetch_catalog", time.Since(start), logger.Fields{"markets": table.Len()})
	log.WithFields(logger.Fields{
		"markets":   table.Len(),
		"refreshes": c.cache.Fetches(),
	}).Info("market catalog refreshed")
	return table, nil
}

func (c *catalog) fetchUncached(ctx context.Context) (*models.MarketTable, error) {
	var (
		markets []marketRow
		tickers []tickerRow
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.rest.getData(gctx, tickerEndpoint, "", nil, &tickers)
		return err
	})
	g.Go(func() error {
		_, err := c.rest.getData(gctx, marketEndpoint, "", nil, &markets)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return joinMarkets(markets, c.indexTickers(tickers)), nil
}

// indexTickers keys ticker rows by pair. A row with an unparsable number is
// dropped on its own; the rest of the catalog stays usable.
func (c *catalog) indexTickers(rows []tickerRow) map[string]ticker {
	byID := make(map[string]ticker, len(rows))
	for _, r := range rows {
		if r.MarketID == "" {
			continue
		}
		t, err := parseTicker(r)
		if err != nil {
			metrics.CatalogRowSkipped(tickerEndpoint)
			c.log.WithComponent("probit_catalog").WithFields(logger.Fields{
				"pair":     r.MarketID,
				"endpoint": tickerEndpoint,
			}).WithError(err).Warn("skipping ticker row")
			continue
		}
		byID[r.MarketID] = t
	}
	return byID
}

func parseTicker(r tickerRow) (ticker, error) {
	var t ticker
	var err error
	if t.last, err = parseAmount(r.Last); err != nil {
		return ticker{}, fmt.Errorf("last: %w", err)
	}
	if t.baseVolume, err = parseAmount(r.BaseVolume); err != nil {
		return ticker{}, fmt.Errorf("base_volume: %w", err)
	}
	if t.quoteVolume, err = parseAmount(r.QuoteVolume); err != nil {
		return ticker{}, fmt.Errorf("quote_volume: %w", err)
	}
	return t, nil
}

// joinMarkets keeps open markets that have a ticker. Market rows the ticker
// does not know yet are dropped.
func joinMarkets(markets []marketRow, tickers map[string]ticker) *models.MarketTable {
	entries := make([]models.MarketEntry, 0, len(markets))
	for _, m := range markets {
		id := m.pairID()
		if id == "" || m.Closed {
			continue
		}
		t, ok := tickers[id]
		if !ok {
			continue
		}

		base, quote := strings.ToUpper(m.Base), strings.ToUpper(m.Quote)
		if base == "" || quote == "" {
			base, quote, _ = symbols.Split(id)
		}

		entries = append(entries, models.MarketEntry{
			PairID:      id,
			BaseAsset:   base,
			QuoteAsset:  quote,
			Volume:      t.baseVolume,
			QuoteVolume: t.quoteVolume,
			USDVolume:   t.quoteVolume.Mul(usdRate(quote, tickers)),
			LastPrice:   t.last,
		})
	}
	return models.NewMarketTable(entries)
}

// usdRate prices one unit of asset in dollars. Unknown assets rate zero so
// they sort last.
func usdRate(asset string, tickers map[string]ticker) decimal.Decimal {
	if symbols.IsUSDQuote(asset) {
		return decimal.NewFromInt(1)
	}
	for _, ref := range symbols.USDReferencePairs(asset) {
		if t, ok := tickers[ref]; ok && t.last.IsPositive() {
			return t.last
		}
	}
	return decimal.Zero
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
