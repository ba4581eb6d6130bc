package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageType discriminates OrderBookMessage values.
type MessageType string

const (
	Snapshot MessageType = "snapshot"
	Diff     MessageType = "diff"
	Trade    MessageType = "trade"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// PriceLevel is one price and the total size resting at it.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// TradeEvent is a public trade carried by a Trade message.
type TradeEvent struct {
	ID    string          `json:"id"`
	Side  string          `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookMessage is handed by value to the output queue.
//
// Snapshot: Bids strictly decreasing, Asks strictly increasing, no zero size.
// Diff: only changed levels; a zero size removes the level.
type OrderBookMessage struct {
	Type        MessageType  `json:"type"`
	TradingPair string       `json:"trading_pair"`
	Timestamp   time.Time    `json:"timestamp"`
	UpdateID    int64        `json:"update_id"`
	Bids        []PriceLevel `json:"bids,omitempty"`
	Asks        []PriceLevel `json:"asks,omitempty"`
	Trade       *TradeEvent  `json:"trade,omitempty"`
}

// DepthEntry is one row of the order_book endpoint.
type DepthEntry struct {
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// RawSnapshot is a decoded depth response before normalization.
type RawSnapshot struct {
	TradingPair string
	Entries     []DepthEntry
	FetchedAt   time.Time
}
