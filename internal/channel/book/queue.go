// Package book carries order book messages from the connector loops to the
// single downstream maintainer.
package book

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"booksync/logger"
	"booksync/models"
)

// Sink accepts messages without blocking the producer.
type Sink interface {
	Push(msg models.OrderBookMessage)
}

type QueueStats struct {
	Pushed    int64
	Popped    int64
	Snapshots int64
	Diffs     int64
	Trades    int64
}

// Queue is an unbounded FIFO. Any number of producers may Push; one
// consumer drains it with Pop.
type Queue struct {
	mu     sync.Mutex
	items  deque.Deque[models.OrderBookMessage]
	notify chan struct{}
	closed bool
	stats  QueueStats
	log    *logger.Log
}

func NewQueue() *Queue {
	q := &Queue{
		notify: make(chan struct{}, 1),
		log:    logger.GetLogger(),
	}
	q.log.WithComponent("book_queue").Debug("output queue initialized")
	return q
}

// Push appends msg. It never blocks; pushes after Close are dropped.
func (q *Queue) Push(msg models.OrderBookMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items.PushBack(msg)
	q.stats.Pushed++
	switch msg.Type {
	case models.Snapshot:
		q.stats.Snapshots++
	case models.Diff:
		q.stats.Diffs++
	case models.Trade:
		q.stats.Trades++
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a message is available, the queue is closed and empty,
// or ctx is done. ok is false in the latter two cases.
func (q *Queue) Pop(ctx context.Context) (msg models.OrderBookMessage, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			msg = q.items.PopFront()
			q.stats.Popped++
			q.mu.Unlock()
			return msg, true, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return msg, false, nil
		}

		select {
		case <-ctx.Done():
			return msg, false, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close stops accepting messages and wakes the consumer. Messages already
// queued remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.log.WithComponent("book_queue").Info("output queue closed")
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
