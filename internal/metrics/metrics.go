// Registers:
//
//	#booksync_snapshots_total{pair,result}
//	#booksync_catalog_refresh_total{result}
//	#booksync_stream_frames_total{channel}
//	#booksync_stream_decode_errors_total{channel}
//	#booksync_stream_reconnects_total{channel}
//	#booksync_stream_stalls_total{channel}
//	#booksync_stream_state{channel}
//	#booksync_rate_limited_total{endpoint}
//	#booksync_queue_depth
//	#go_* and process_* system metrics
//
// Serve exposes them on /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"booksync/logger"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	snapshots      *prometheus.CounterVec
	catalogRefresh *prometheus.CounterVec
	skippedRows    *prometheus.CounterVec
	bookAge        *prometheus.GaugeVec
	streamFrames   *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	stalls         *prometheus.CounterVec
	streamState    *prometheus.GaugeVec
	rateLimited    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
)

// Init registers all collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_snapshots_total",
			Help: "Order book snapshots fetched, by pair and result",
		}, []string{"pair", "result"})
		catalogRefresh = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_catalog_refresh_total",
			Help: "Market catalog refreshes, by result",
		}, []string{"result"})
		skippedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_catalog_skipped_rows_total",
			Help: "Catalog rows dropped because a field could not be parsed",
		}, []string{"endpoint"})
		bookAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "booksync_book_age_seconds",
			Help: "Seconds since the local book of a pair was last updated",
		}, []string{"pair"})
		streamFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_stream_frames_total",
			Help: "Websocket frames received",
		}, []string{"channel"})
		decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_stream_decode_errors_total",
			Help: "Websocket frames that could not be decoded",
		}, []string{"channel"})
		reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_stream_reconnects_total",
			Help: "Websocket reconnect attempts",
		}, []string{"channel"})
		stalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_stream_stalls_total",
			Help: "Connections dropped for missing liveness",
		}, []string{"channel"})
		streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "booksync_stream_state",
			Help: "Current stream state: 0 disconnected, 1 connecting, 2 connected, 3 receiving, 4 stalled",
		}, []string{"channel"})
		rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booksync_rate_limited_total",
			Help: "Requests rejected by the exchange rate limiter",
		}, []string{"endpoint"})
		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "booksync_queue_depth",
			Help: "Messages waiting in the output queue",
		})

		registry.MustRegister(
			snapshots, catalogRefresh, skippedRows, bookAge, streamFrames,
			decodeErrors, reconnects, stalls, streamState, rateLimited, queueDepth,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler returns the /metrics handler for the package registry.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.GetLogger().WithComponent("metrics").WithField("address", addr).Info("metrics server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func SnapshotFetched(pair string) {
	if snapshots != nil {
		snapshots.WithLabelValues(pair, "success").Inc()
	}
}

func SnapshotFailed(pair string) {
	if snapshots != nil {
		snapshots.WithLabelValues(pair, "error").Inc()
	}
}

func CatalogRefreshed(err error) {
	if catalogRefresh == nil {
		return
	}
	if err != nil {
		catalogRefresh.WithLabelValues("error").Inc()
		return
	}
	catalogRefresh.WithLabelValues("success").Inc()
}

func CatalogRowSkipped(endpoint string) {
	if skippedRows != nil {
		skippedRows.WithLabelValues(endpoint).Inc()
	}
}

func SetBookAge(pair string, age time.Duration) {
	if bookAge != nil {
		bookAge.WithLabelValues(pair).Set(age.Seconds())
	}
}

func StreamFrame(channel string) {
	if streamFrames != nil {
		streamFrames.WithLabelValues(channel).Inc()
	}
}

func DecodeError(channel string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(channel).Inc()
	}
}

func Reconnect(channel string) {
	if reconnects != nil {
		reconnects.WithLabelValues(channel).Inc()
	}
}

func Stall(channel string) {
	if stalls != nil {
		stalls.WithLabelValues(channel).Inc()
	}
}

func SetStreamState(channel string, state int) {
	if streamState != nil {
		streamState.WithLabelValues(channel).Set(float64(state))
	}
}

func RateLimited(endpoint string) {
	if rateLimited != nil {
		rateLimited.WithLabelValues(endpoint).Inc()
	}
}

func SetQueueDepth(n int) {
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}
