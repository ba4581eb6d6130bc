package book

import (
	"context"
	"sync"
	"testing"
	"time"

	"booksync/models"
)

func msg(pair string, typ models.MessageType, id int64) models.OrderBookMessage {
	return models.OrderBookMessage{Type: typ, TradingPair: pair, UpdateID: id}
}

func TestQueueFIFOAndStats(t *testing.T) {
	q := NewQueue()
	q.Push(msg("BTC-USDT", models.Snapshot, 1))
	q.Push(msg("BTC-USDT", models.Diff, 2))
	q.Push(msg("BTC-USDT", models.Trade, 3))

	for want := int64(1); want <= 3; want++ {
		m, ok, err := q.Pop(context.Background())
		if err != nil || !ok {
			t.Fatalf("pop: ok=%v err=%v", ok, err)
		}
		if m.UpdateID != want {
			t.Fatalf("update id = %d, want %d", m.UpdateID, want)
		}
	}

	stats := q.GetStats()
	if stats.Pushed != 3 || stats.Popped != 3 || stats.Snapshots != 1 || stats.Diffs != 1 || stats.Trades != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQueuePushNeverBlocks(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100000; i++ {
			q.Push(msg("ETH-USDT", models.Diff, int64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("push blocked without a consumer")
	}
	if q.Len() != 100000 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestQueuePopWaitsForProducer(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(msg("BTC-USDT", models.Snapshot, 9))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, ok, err := q.Pop(ctx)
	if err != nil || !ok || m.UpdateID != 9 {
		t.Fatalf("pop = %+v ok=%v err=%v", m, ok, err)
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok, err := q.Pop(ctx); ok || err != context.Canceled {
		t.Fatalf("expected cancellation, ok=%v err=%v", ok, err)
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := NewQueue()
	q.Push(msg("BTC-USDT", models.Snapshot, 1))
	q.Close()
	q.Push(msg("BTC-USDT", models.Snapshot, 2))

	if _, ok, _ := q.Pop(context.Background()); !ok {
		t.Fatalf("queued message lost on close")
	}
	if _, ok, err := q.Pop(context.Background()); ok || err != nil {
		t.Fatalf("expected closed queue, ok=%v err=%v", ok, err)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(msg("XRP-USDT", models.Diff, int64(i)))
			}
		}()
	}
	wg.Wait()
	q.Close()

	n := 0
	for {
		_, ok, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != 1000 {
		t.Fatalf("popped %d, want 1000", n)
	}
}
