package probit

import (
	"context"

	"booksync/internal/metrics"
	"booksync/internal/orderbook"
	"booksync/logger"
	"booksync/models"
)

// fetchNormalized fetches one depth snapshot and normalizes it.
func (d *DataSource) fetchNormalized(ctx context.Context, pair string) (models.OrderBookMessage, error) {
	raw, err := d.fetcher.Snapshot(ctx, pair)
	if err != nil {
		return models.OrderBookMessage{}, err
	}
	return NormalizeSnapshot(raw)
}

// TrackingPairs builds an initialised order book for every selected pair,
// one pair at a time. A failing pair is logged, penalised and skipped.
func (d *DataSource) TrackingPairs(ctx context.Context) (map[string]orderbook.TrackerEntry, error) {
	pairs := d.TradingPairs(ctx)
	if cancelled(ctx) {
		return nil, ctx.Err()
	}

	log := d.log.WithComponent("probit_tracker")
	entries := make(map[string]orderbook.TrackerEntry, len(pairs))

	for i, pair := range pairs {
		msg, err := d.fetchNormalized(ctx, pair)
		if err != nil {
			if cancelled(ctx) {
				return nil, ctx.Err()
			}
			metrics.SnapshotFailed(pair)
			log.WithError(err).WithField("pair", pair).Error("error getting snapshot for pair")
			if err := d.sleep(ctx, d.cfg.Snapshots.ErrorPenalty); err != nil {
				return nil, err
			}
			continue
		}

		book := orderbook.New()
		book.ApplySnapshot(msg.Bids, msg.Asks, msg.UpdateID)
		entries[pair] = orderbook.TrackerEntry{
			TradingPair: pair,
			Book:        book,
			Timestamp:   msg.Timestamp,
		}
		metrics.SnapshotFetched(pair)

		log.WithFields(logger.Fields{
			"pair":     pair,
			"progress": i + 1,
			"total":    len(pairs),
			"bids":     len(msg.Bids),
			"asks":     len(msg.Asks),
		}).Info("initialized order book")

		if err := d.sleep(ctx, d.cfg.Snapshots.TrackerDelay); err != nil {
			return nil, err
		}
	}

	return entries, nil
}
