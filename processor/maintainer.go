package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "booksync/config"
	"booksync/internal/metrics"
	"booksync/internal/orderbook"
	"booksync/internal/symbols"
	"booksync/logger"
	"booksync/models"
)

const exchangeName = "probit"

// Source is the consumer side of the output queue.
type Source interface {
	Pop(ctx context.Context) (models.OrderBookMessage, bool, error)
}

// Maintainer keeps one local book per pair from the queued messages and
// emits every applied snapshot as a flattened level batch.
type Maintainer struct {
	config  *appconfig.Config
	in      Source
	out     chan<- models.LevelBatch
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	books map[string]*orderbook.Book

	// Metrics
	snapshotsApplied int64
	diffsApplied     int64
	diffsDropped     int64
	tradesSeen       int64
	batchesSent      int64
	batchesDropped   int64
}

func NewMaintainer(cfg *appconfig.Config, in Source, out chan<- models.LevelBatch) *Maintainer {
	return &Maintainer{
		config: cfg,
		in:     in,
		out:    out,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		books:  make(map[string]*orderbook.Book),
	}
}

// Seed installs books built before the queue started, e.g. by TrackingPairs.
func (m *Maintainer) Seed(entries map[string]orderbook.TrackerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pair, e := range entries {
		if e.Book != nil {
			m.books[pair] = e.Book
		}
	}
	m.log.WithComponent("maintainer").WithFields(logger.Fields{"pairs": len(entries)}).Info("seeded order books")
}

// Book returns the local book of pair.
func (m *Maintainer) Book(pair string) (*orderbook.Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[pair]
	return b, ok
}

func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("maintainer already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	m.log.WithComponent("maintainer").WithFields(logger.Fields{"depth": m.config.Processor.Depth}).Info("starting maintainer")

	m.wg.Add(1)
	go m.worker()

	go m.metricsReporter(ctx)
	return nil
}

func (m *Maintainer) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("maintainer").Info("stopping maintainer")
	m.wg.Wait()
	m.reportMetrics()
	m.log.WithComponent("maintainer").Info("maintainer stopped")
}

func (m *Maintainer) worker() {
	defer m.wg.Done()
	log := m.log.WithComponent("maintainer")

	for {
		msg, ok, err := m.in.Pop(m.ctx)
		if err != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}
		if !ok {
			log.Info("queue closed, worker stopping")
			return
		}
		m.handle(msg)
	}
}

func (m *Maintainer) handle(msg models.OrderBookMessage) {
	switch msg.Type {
	case models.Snapshot:
		m.applySnapshot(msg)
	case models.Diff:
		m.applyDiff(msg)
	case models.Trade:
		m.mu.Lock()
		m.tradesSeen++
		m.mu.Unlock()
	}
}

func (m *Maintainer) applySnapshot(msg models.OrderBookMessage) {
	m.mu.Lock()
	b, ok := m.books[msg.TradingPair]
	if !ok {
		b = orderbook.New()
		m.books[msg.TradingPair] = b
	}
	m.snapshotsApplied++
	m.mu.Unlock()

	b.ApplySnapshot(msg.Bids, msg.Asks, msg.UpdateID)
	m.emit(m.flatten(msg.TradingPair, b, msg.Timestamp))
}

func (m *Maintainer) applyDiff(msg models.OrderBookMessage) {
	log := m.log.WithComponent("maintainer").WithFields(logger.Fields{
		"pair":      msg.TradingPair,
		"update_id": msg.UpdateID,
	})

	b, ok := m.Book(msg.TradingPair)
	if !ok {
		m.mu.Lock()
		m.diffsDropped++
		m.mu.Unlock()
		log.Debug("diff for untracked pair dropped")
		return
	}

	if err := b.ApplyDiff(msg.Bids, msg.Asks, msg.UpdateID); err != nil {
		m.mu.Lock()
		m.diffsDropped++
		m.mu.Unlock()
		if errors.Is(err, orderbook.ErrOutdatedUpdate) {
			log.WithFields(logger.Fields{"book_update_id": b.LastUpdateID()}).Debug("outdated diff dropped")
			return
		}
		log.WithError(err).Warn("failed to apply diff")
		return
	}

	m.mu.Lock()
	m.diffsApplied++
	m.mu.Unlock()
}

// flatten turns the top of b into archive rows, level 1 being the best.
func (m *Maintainer) flatten(pair string, b *orderbook.Book, ts time.Time) models.LevelBatch {
	depth := m.config.Processor.Depth
	symbol := symbols.Compact(pair)
	updateID := b.LastUpdateID()

	var entries []models.BookLevel
	add := func(side string, levels []models.PriceLevel) {
		for i, l := range levels {
			entries = append(entries, models.BookLevel{
				Exchange:  exchangeName,
				Symbol:    symbol,
				Timestamp: ts,
				UpdateID:  updateID,
				Side:      side,
				Price:     l.Price.InexactFloat64(),
				Quantity:  l.Size.InexactFloat64(),
				Level:     i + 1,
			})
		}
	}
	add("bid", b.Bids(depth))
	add("ask", b.Asks(depth))

	return models.LevelBatch{
		BatchID:     uuid.New().String(),
		Exchange:    exchangeName,
		Symbol:      symbol,
		Entries:     entries,
		RecordCount: len(entries),
		Timestamp:   ts,
		ProcessedAt: time.Now(),
	}
}

func (m *Maintainer) emit(batch models.LevelBatch) {
	if batch.RecordCount == 0 || m.out == nil {
		return
	}
	log := m.log.WithComponent("maintainer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"symbol":       batch.Symbol,
		"record_count": batch.RecordCount,
	})

	select {
	case m.out <- batch:
		m.mu.Lock()
		m.batchesSent++
		m.mu.Unlock()
		logger.LogDataFlowEntry(log, "maintainer", "snapshot_writer", batch.RecordCount, "levels")
	default:
		m.mu.Lock()
		m.batchesDropped++
		m.mu.Unlock()
		log.Warn("archive channel is full, batch not sent")
	}
}

func (m *Maintainer) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reportMetrics()
		}
	}
}

func (m *Maintainer) reportMetrics() {
	m.mu.RLock()
	fields := logger.Fields{
		"books":             len(m.books),
		"snapshots_applied": m.snapshotsApplied,
		"diffs_applied":     m.diffsApplied,
		"diffs_dropped":     m.diffsDropped,
		"trades_seen":       m.tradesSeen,
		"batches_sent":      m.batchesSent,
		"batches_dropped":   m.batchesDropped,
	}
	m.mu.RUnlock()

	var oldest time.Duration
	for pair, age := range m.bookAges(time.Now()) {
		metrics.SetBookAge(pair, age)
		if age > oldest {
			oldest = age
		}
	}
	fields["oldest_book_age_s"] = oldest.Seconds()

	m.log.LogMetric("maintainer", "snapshots_applied", fields["snapshots_applied"], "counter", logger.Fields{})
	m.log.LogMetric("maintainer", "diffs_applied", fields["diffs_applied"], "counter", logger.Fields{})
	m.log.LogMetric("maintainer", "diffs_dropped", fields["diffs_dropped"], "counter", logger.Fields{})
	m.log.LogMetric("maintainer", "batches_dropped", fields["batches_dropped"], "counter", logger.Fields{})

	m.log.WithComponent("maintainer").WithFields(fields).Info("maintainer metrics")
}

// bookAges reports how long each book has gone without an update. Books that
// never received one are left out.
func (m *Maintainer) bookAges(now time.Time) map[string]time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ages := make(map[string]time.Duration, len(m.books))
	for pair, b := range m.books {
		updated := b.UpdatedAt()
		if updated.IsZero() {
			continue
		}
		ages[pair] = now.Sub(updated)
	}
	return ages
}
