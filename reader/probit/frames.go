package probit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"booksync/models"
)

const (
	marketDataChannel = "marketdata"

	orderBooksFilter   = "order_books"
	recentTradesFilter = "recent_trades"

	subscribeInterval = 500
)

type subscribeRequest struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel"`
	MarketID string   `json:"market_id"`
	Interval int      `json:"interval"`
	Filter   []string `json:"filter"`
}

func newSubscribeRequest(pair, filter string) subscribeRequest {
	return subscribeRequest{
		Type:     "subscribe",
		Channel:  marketDataChannel,
		MarketID: pair,
		Interval: subscribeInterval,
		Filter:   []string{filter},
	}
}

type tradeRow struct {
	ID       string `json:"id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Time     string `json:"time"`
	Side     string `json:"side"`
}

type marketDataFrame struct {
	Channel      string              `json:"channel"`
	MarketID     string              `json:"market_id"`
	Status       string              `json:"status"`
	Reset        bool                `json:"reset"`
	OrderBooks   []models.DepthEntry `json:"order_books"`
	RecentTrades []tradeRow          `json:"recent_trades"`
}

// frameDecoder turns one websocket frame into queue messages. Decoders are
// used from a single goroutine.
type frameDecoder interface {
	Decode(frame []byte, receivedAt time.Time) ([]models.OrderBookMessage, error)
}

// sequencer hands out per-pair update ids that are strictly increasing and
// close to the receipt time in milliseconds.
type sequencer map[string]int64

func (s sequencer) next(pair string, at time.Time) int64 {
	id := at.UnixMilli()
	if last, ok := s[pair]; ok && id <= last {
		id = last + 1
	}
	s[pair] = id
	return id
}

func parseFrame(frame []byte) (*marketDataFrame, error) {
	var f marketDataFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, err
	}
	if f.Channel != marketDataChannel {
		return nil, nil
	}
	if f.Status != "" && f.Status != "ok" {
		return nil, fmt.Errorf("market %s: status %q", f.MarketID, f.Status)
	}
	if f.MarketID == "" {
		return nil, fmt.Errorf("market data frame without market_id")
	}
	return &f, nil
}

// diffDecoder reads the order_books filter. A reset frame carries the full
// book and is emitted as a Snapshot; later frames are Diffs.
type diffDecoder struct {
	seq sequencer
}

func newDiffDecoder() *diffDecoder {
	return &diffDecoder{seq: sequencer{}}
}

func (d *diffDecoder) Decode(frame []byte, receivedAt time.Time) ([]models.OrderBookMessage, error) {
	f, err := parseFrame(frame)
	if err != nil || f == nil {
		return nil, err
	}
	if !f.Reset && len(f.OrderBooks) == 0 {
		return nil, nil
	}

	bids, asks, err := splitSides(f.OrderBooks, f.Reset)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", f.MarketID, err)
	}

	typ := models.Diff
	if f.Reset {
		typ = models.Snapshot
	}
	return []models.OrderBookMessage{{
		Type:        typ,
		TradingPair: f.MarketID,
		Timestamp:   receivedAt,
		UpdateID:    d.seq.next(f.MarketID, receivedAt),
		Bids:        bids,
		Asks:        asks,
	}}, nil
}

// tradeDecoder reads the recent_trades filter. Reset frames replay trades
// already published before a reconnect and are skipped.
type tradeDecoder struct {
	seq sequencer
}

func newTradeDecoder() *tradeDecoder {
	return &tradeDecoder{seq: sequencer{}}
}

func (d *tradeDecoder) Decode(frame []byte, receivedAt time.Time) ([]models.OrderBookMessage, error) {
	f, err := parseFrame(frame)
	if err != nil || f == nil {
		return nil, err
	}
	if f.Reset {
		return nil, nil
	}

	out := make([]models.OrderBookMessage, 0, len(f.RecentTrades))
	for i, t := range f.RecentTrades {
		price, err := decimal.NewFromString(strings.TrimSpace(t.Price))
		if err != nil {
			return nil, fmt.Errorf("market %s trade %d price %q: %w", f.MarketID, i, t.Price, err)
		}
		size, err := decimal.NewFromString(strings.TrimSpace(t.Quantity))
		if err != nil {
			return nil, fmt.Errorf("market %s trade %d quantity %q: %w", f.MarketID, i, t.Quantity, err)
		}
		side := strings.ToLower(t.Side)
		if side != models.SideBuy && side != models.SideSell {
			return nil, fmt.Errorf("market %s trade %d: unknown side %q", f.MarketID, i, t.Side)
		}

		ts := receivedAt
		if parsed, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
			ts = parsed
		}

		out = append(out, models.OrderBookMessage{
			Type:        models.Trade,
			TradingPair: f.MarketID,
			Timestamp:   ts,
			UpdateID:    d.seq.next(f.MarketID, receivedAt),
			Trade: &models.TradeEvent{
				ID:    t.ID,
				Side:  side,
				Price: price,
				Size:  size,
			},
		})
	}
	return out, nil
}
