package models

import "time"

// BookLevel is one flattened price level of an archived snapshot.
type BookLevel struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	UpdateID  int64     `json:"update_id"`
	Side      string    `json:"side"` // "bid" or "ask"
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Level     int       `json:"level"` // 1 = best
}

// LevelBatch groups the flattened levels of one pair for the archive.
type LevelBatch struct {
	BatchID     string      `json:"batch_id"`
	Exchange    string      `json:"exchange"`
	Symbol      string      `json:"symbol"`
	Entries     []BookLevel `json:"entries"`
	RecordCount int         `json:"record_count"`
	Timestamp   time.Time   `json:"timestamp"`
	ProcessedAt time.Time   `json:"processed_at"`
}
