package probit

import (
	"context"

	"booksync/internal/channel/book"
	"booksync/internal/metrics"
	"booksync/logger"
)

// ListenForOrderBookSnapshots republishes a fresh snapshot of every pair
// once per wall-clock hour. It only returns when ctx is done.
func (d *DataSource) ListenForOrderBookSnapshots(ctx context.Context, out book.Sink) error {
	log := d.log.WithComponent("probit_snapshot")
	log.Info("starting snapshot refresh loop")

	for {
		err := d.publishSnapshots(ctx, out)
		if cancelled(ctx) {
			log.Info("snapshot refresh loop stopped")
			return ctx.Err()
		}

		if err != nil {
			log.WithError(err).Error("unexpected error fetching order book snapshots, retrying")
			if err := d.sleep(ctx, d.cfg.Snapshots.RetryDelay); err != nil {
				return err
			}
			continue
		}

		delay := untilNextHour(d.clock.Now())
		log.WithField("next_refresh_in", delay.String()).Debug("snapshot round complete")
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// publishSnapshots runs one round over the tracked pairs. Per-pair failures
// are logged and skipped; only pair resolution failures end the round.
func (d *DataSource) publishSnapshots(ctx context.Context, out book.Sink) error {
	res := d.selector.Resolve(ctx)
	if res.Err != nil {
		return res.Err
	}

	log := d.log.WithComponent("probit_snapshot")
	published := 0
	for _, pair := range res.Pairs {
		msg, err := d.fetchNormalized(ctx, pair)
		switch {
		case cancelled(ctx):
			return ctx.Err()
		case err != nil:
			metrics.SnapshotFailed(pair)
			log.WithError(err).WithField("pair", pair).Error("error fetching snapshot")
		default:
			out.Push(msg)
			published++
			metrics.SnapshotFetched(pair)
			log.WithField("pair", pair).Debug("saved order book snapshot")
		}

		if err := d.sleep(ctx, d.cfg.Snapshots.PairDelay); err != nil {
			return err
		}
	}

	logger.LogDataFlowEntry(log, "probit_rest", "book_queue", published, "snapshot")
	return nil
}
