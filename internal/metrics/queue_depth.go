package metrics

import (
	"context"
	"time"

	"booksync/logger"
)

// Lengther is satisfied by the output queue.
type Lengther interface {
	Len() int
}

// StartQueueDepthMetrics samples q every interval until ctx is done and
// publishes the depth as a gauge. A non-positive interval means one second.
func StartQueueDepthMetrics(ctx context.Context, q Lengther, interval time.Duration) {
	if q == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger().WithComponent("book_queue")
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth := q.Len()
				SetQueueDepth(depth)
				log.WithField("depth", depth).Debug("output queue depth")
			}
		}
	}()
}
