package probit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"booksync/config"
	"booksync/logger"
	"booksync/models"
)

// fakeExchange serves canned REST bodies and counts requests per endpoint.
type fakeExchange struct {
	mu     sync.Mutex
	status map[string]int
	bodies map[string]string
	books  map[string]string
	hits   map[string]int
	srv    *httptest.Server
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	f := &fakeExchange{
		status: map[string]int{},
		bodies: map[string]string{},
		books:  map[string]string{},
		hits:   map[string]int{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Path[len(apiPrefix):]
	key := endpoint
	if endpoint == orderBookEndpoint {
		key = endpoint + ":" + r.URL.Query().Get("market_id")
	}

	f.mu.Lock()
	f.hits[key]++
	status, ok := f.status[key]
	if !ok {
		status = http.StatusOK
	}
	body := f.bodies[key]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (f *fakeExchange) set(key string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[key] = status
	f.bodies[key] = body
}

func (f *fakeExchange) setBook(pair string, status int, body string) {
	f.set(orderBookEndpoint+":"+pair, status, body)
}

func (f *fakeExchange) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeExchange) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.hits {
		n += v
	}
	return n
}

func testConfig(restURL string) config.ProbitSourceConfig {
	cfg := config.Default().Source.Probit
	cfg.RestURL = restURL
	cfg.RateLimit.RequestsPerSecond = 0
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func testLogger() (*logger.Log, *test.Hook) {
	l := logger.Logger()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	hook := test.NewLocal(l.Logger)
	return l, hook
}

// recordingSleeper returns immediately and records every requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(n int, d time.Duration)
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n, d)
	}
	return ctx.Err()
}

func (s *recordingSleeper) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// sinkRecorder collects pushed messages.
type sinkRecorder struct {
	mu   sync.Mutex
	msgs []models.OrderBookMessage
	ch   chan models.OrderBookMessage
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan models.OrderBookMessage, 64)}
}

func (s *sinkRecorder) Push(m models.OrderBookMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	select {
	case s.ch <- m:
	default:
	}
}

func (s *sinkRecorder) all() []models.OrderBookMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderBookMessage(nil), s.msgs...)
}

func entriesAt(hook *test.Hook, level logrus.Level) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

const (
	btcMarkets = `{"data":[{"market_id":"BTC-USDT","base_currency_id":"BTC","quote_currency_id":"USDT"}]}`
	btcTicker  = `{"data":[{"market_id":"BTC-USDT","base_volume":"10","quote_volume":"500000"}]}`
)
