package probit

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booksync/models"
)

func prices(levels []models.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String() + "@" + l.Size.String()
	}
	return out
}

func TestNormalizeSnapshotSortsAndMerges(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg, err := NormalizeSnapshot(&models.RawSnapshot{
		TradingPair: "BTC-USDT",
		FetchedAt:   at,
		Entries: []models.DepthEntry{
			{Side: "buy", Price: "99", Quantity: "1"},
			{Side: "sell", Price: "102", Quantity: "1"},
			{Side: "buy", Price: "100", Quantity: "2"},
			{Side: "sell", Price: "101", Quantity: "0.5"},
			{Side: "buy", Price: "100", Quantity: "1.5"},
			{Side: "sell", Price: "103", Quantity: "0"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.Snapshot, msg.Type)
	assert.Equal(t, "BTC-USDT", msg.TradingPair)
	assert.Equal(t, at.UnixMilli(), msg.UpdateID)
	assert.Equal(t, at, msg.Timestamp)
	assert.Equal(t, []string{"100@3.5", "99@1"}, prices(msg.Bids))
	assert.Equal(t, []string{"101@0.5", "102@1"}, prices(msg.Asks))
}

func TestNormalizeSnapshotRejectsBadRows(t *testing.T) {
	cases := map[string]models.DepthEntry{
		"price":    {Side: "buy", Price: "abc", Quantity: "1"},
		"quantity": {Side: "buy", Price: "1", Quantity: ""},
		"side":     {Side: "hold", Price: "1", Quantity: "1"},
		"negative": {Side: "sell", Price: "1", Quantity: "-1"},
		"zero":     {Side: "sell", Price: "0", Quantity: "1"},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeSnapshot(&models.RawSnapshot{TradingPair: "BTC-USDT", Entries: []models.DepthEntry{entry}})
			var malformed *MalformedResponseError
			assert.True(t, errors.As(err, &malformed), "got %v", err)
		})
	}
}

func TestSnapshotSingleRequest(t *testing.T) {
	ex := newFakeExchange(t)
	ex.setBook("BTC-USDT", http.StatusOK, twoSidedBook)
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	log, _ := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL), WithLogger(log), WithClock(mock))

	raw, err := ds.Snapshot(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", raw.TradingPair)
	assert.Len(t, raw.Entries, 3)
	assert.Equal(t, mock.Now(), raw.FetchedAt)

	ex.setBook("BTC-USDT", http.StatusTooManyRequests, `{"message":"too many requests"}`)
	_, err = ds.Snapshot(context.Background(), "BTC-USDT")
	var netErr *NetworkFetchError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusTooManyRequests, netErr.StatusCode)
	assert.Equal(t, "BTC-USDT", netErr.Pair)
	assert.Equal(t, 2, ex.count(orderBookEndpoint+":BTC-USDT"))
}

func TestPublishSnapshotsPushesEveryPair(t *testing.T) {
	ex := newFakeExchange(t)
	ex.setBook("BTC-USDT", http.StatusOK, twoSidedBook)
	ex.setBook("ETH-USDT", http.StatusBadGateway, "")
	ex.setBook("XRP-USDT", http.StatusOK, twoSidedBook)

	log, hook := testLogger()
	sleeper := &recordingSleeper{}
	cfg := testConfig(ex.srv.URL)
	ds := NewDataSource(cfg,
		WithLogger(log),
		WithSleeper(sleeper.sleep),
		WithTradingPairs("BTC-USDT", "ETH-USDT", "XRP-USDT"),
	)

	sink := newSinkRecorder()
	require.NoError(t, ds.publishSnapshots(context.Background(), sink))

	msgs := sink.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "BTC-USDT", msgs[0].TradingPair)
	assert.Equal(t, "XRP-USDT", msgs[1].TradingPair)
	for _, m := range msgs {
		assert.Equal(t, models.Snapshot, m.Type)
	}

	require.Len(t, entriesAt(hook, logrus.ErrorLevel), 1)
	assert.Equal(t, []time.Duration{cfg.Snapshots.PairDelay, cfg.Snapshots.PairDelay, cfg.Snapshots.PairDelay}, sleeper.calls())
}

func TestListenForOrderBookSnapshotsWaitsForNextHour(t *testing.T) {
	ex := newFakeExchange(t)
	ex.setBook("BTC-USDT", http.StatusOK, twoSidedBook)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Second sleep is the wait for the top of the hour; stop there.
	sleeper := &recordingSleeper{hook: func(n int, _ time.Duration) {
		if n == 2 {
			cancel()
		}
	}}

	log, _ := testLogger()
	cfg := testConfig(ex.srv.URL)
	ds := NewDataSource(cfg,
		WithLogger(log),
		WithClock(mock),
		WithSleeper(sleeper.sleep),
		WithTradingPairs("BTC-USDT"),
	)

	sink := newSinkRecorder()
	err := ds.ListenForOrderBookSnapshots(ctx, sink)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, sink.all(), 1)
	assert.Equal(t, []time.Duration{cfg.Snapshots.PairDelay, 45 * time.Minute}, sleeper.calls())
	assert.Equal(t, 1, ex.count(orderBookEndpoint+":BTC-USDT"))
}

func TestListenForOrderBookSnapshotsRetriesOuterFailure(t *testing.T) {
	ex := newFakeExchange(t)
	ex.set(marketEndpoint, http.StatusServiceUnavailable, "")
	ex.set(tickerEndpoint, http.StatusOK, btcTicker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rounds int32
	sleeper := &recordingSleeper{hook: func(n int, _ time.Duration) {
		if atomic.AddInt32(&rounds, 1) == 3 {
			cancel()
		}
	}}

	log, hook := testLogger()
	cfg := testConfig(ex.srv.URL)
	ds := NewDataSource(cfg, WithLogger(log), WithSleeper(sleeper.sleep))

	err := ds.ListenForOrderBookSnapshots(ctx, newSinkRecorder())
	assert.ErrorIs(t, err, context.Canceled)

	for _, d := range sleeper.calls() {
		assert.Equal(t, cfg.Snapshots.RetryDelay, d)
	}
	assert.Len(t, entriesAt(hook, logrus.ErrorLevel), 3)
	assert.Equal(t, 3, ex.count(marketEndpoint))
}

func TestListenForOrderBookSnapshotsCancelledMidSleep(t *testing.T) {
	ex := newFakeExchange(t)
	ex.setBook("BTC-USDT", http.StatusOK, twoSidedBook)
	ex.setBook("ETH-USDT", http.StatusOK, twoSidedBook)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &recordingSleeper{hook: func(int, time.Duration) { cancel() }}

	log, hook := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL),
		WithLogger(log),
		WithSleeper(sleeper.sleep),
		WithTradingPairs("BTC-USDT", "ETH-USDT"),
	)

	err := ds.ListenForOrderBookSnapshots(ctx, newSinkRecorder())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ex.count(orderBookEndpoint+":ETH-USDT"))
	assert.Empty(t, entriesAt(hook, logrus.ErrorLevel))
}

func TestUntilNextHour(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 59, 30, 0, time.UTC)
	assert.Equal(t, 30*time.Second, untilNextHour(now))
	assert.Equal(t, time.Hour, untilNextHour(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)))
}

func TestClockSleeper(t *testing.T) {
	mock := clock.NewMock()
	sleep := clockSleeper(mock)

	done := make(chan error, 1)
	go func() { done <- sleep(context.Background(), time.Minute) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}
