package probit

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"booksync/config"
	"booksync/internal/channel/book"
	"booksync/logger"
	"booksync/models"
)

// DataSource is the ProBit market data source: catalog, pair selection,
// depth snapshots and the websocket streams.
type DataSource struct {
	cfg      config.ProbitSourceConfig
	catalog  *catalog
	selector *pairSelector
	fetcher  *snapshotFetcher

	clock      clock.Clock
	sleep      Sleeper
	dialer     Dialer
	newBackoff func() Backoff
	onState    func(channel string, s State)
	log        *logger.Log
}

type options struct {
	pairs      []string
	pairsSet   bool
	doer       HTTPDoer
	dialer     Dialer
	clock      clock.Clock
	newBackoff func() Backoff
	sleep      Sleeper
	log        *logger.Log
	onState    func(channel string, s State)
}

// Option customises a DataSource.
type Option func(*options)

// WithTradingPairs fixes the tracked pairs and bypasses the catalog.
func WithTradingPairs(pairs ...string) Option {
	return func(o *options) {
		o.pairs = pairs
		o.pairsSet = true
	}
}

func WithHTTPClient(doer HTTPDoer) Option {
	return func(o *options) { o.doer = doer }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBackoff supplies a fresh reconnect policy per stream.
func WithBackoff(f func() Backoff) Option {
	return func(o *options) { o.newBackoff = f }
}

// WithSleeper replaces every pacing and retry delay.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

func WithLogger(l *logger.Log) Option {
	return func(o *options) { o.log = l }
}

// WithStateObserver is called on every stream state change.
func WithStateObserver(f func(channel string, s State)) Option {
	return func(o *options) { o.onState = f }
}

func NewDataSource(cfg config.ProbitSourceConfig, opts ...Option) *DataSource {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.GetLogger()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.sleep == nil {
		o.sleep = clockSleeper(o.clock)
	}
	if o.doer == nil {
		o.doer = newHTTPClient(cfg)
	}
	if o.dialer == nil {
		d := *websocket.DefaultDialer
		if ld := localDialer(cfg.LocalIP); ld != nil {
			d.NetDialContext = ld.DialContext
		}
		o.dialer = websocketDialer{dialer: &d}
	}
	if o.newBackoff == nil {
		bc := cfg.Stream.Backoff
		o.newBackoff = func() Backoff {
			return &backoff.Backoff{Min: bc.Min, Max: bc.Max, Factor: bc.Factor, Jitter: bc.Jitter}
		}
	}

	explicit := cfg.TradingPairs
	if o.pairsSet {
		explicit = o.pairs
	}

	rest := newRESTClient(cfg, o.doer, o.log)
	cat := newCatalog(rest, cfg.Catalog.TTL, o.clock, o.log)
	return &DataSource{
		cfg:        cfg,
		catalog:    cat,
		selector:   newPairSelector(explicit, cat, o.log),
		fetcher:    &snapshotFetcher{rest: rest, clock: o.clock},
		clock:      o.clock,
		sleep:      o.sleep,
		dialer:     o.dialer,
		newBackoff: o.newBackoff,
		onState:    o.onState,
		log:        o.log,
	}
}

// ActiveMarkets returns the open markets ordered by USD volume.
func (d *DataSource) ActiveMarkets(ctx context.Context) (*models.MarketTable, error) {
	return d.catalog.ActiveMarkets(ctx)
}

// TradingPairs returns the tracked pairs, or an empty slice after logging a
// network warning when they cannot be resolved.
func (d *DataSource) TradingPairs(ctx context.Context) []string {
	return d.selector.TradingPairs(ctx)
}

// ResolveTradingPairs is TradingPairs with the failure reason kept.
func (d *DataSource) ResolveTradingPairs(ctx context.Context) PairsResult {
	return d.selector.Resolve(ctx)
}

// Snapshot fetches one raw depth snapshot. It does not retry.
func (d *DataSource) Snapshot(ctx context.Context, pair string) (*models.RawSnapshot, error) {
	return d.fetcher.Snapshot(ctx, pair)
}

// ListenForOrderBookDiffs streams order book updates into out until ctx is
// done. A reset frame is pushed as a Snapshot.
func (d *DataSource) ListenForOrderBookDiffs(ctx context.Context, out book.Sink) error {
	return d.newStream("diffs", orderBooksFilter, newDiffDecoder()).run(ctx, out)
}

// ListenForTrades streams public trades into out until ctx is done.
func (d *DataSource) ListenForTrades(ctx context.Context, out book.Sink) error {
	return d.newStream("trades", recentTradesFilter, newTradeDecoder()).run(ctx, out)
}

func (d *DataSource) newStream(name, filter string, dec frameDecoder) *stream {
	header := http.Header{}
	if d.cfg.UserAgent != "" {
		header.Set("User-Agent", d.cfg.UserAgent)
	}
	return &stream{
		name:           name,
		url:            d.cfg.WebsocketURL,
		header:         header,
		filter:         filter,
		messageTimeout: d.cfg.Stream.MessageTimeout,
		pingTimeout:    d.cfg.Stream.PingTimeout,
		pairs:          d.selector.Resolve,
		decoder:        dec,
		dialer:         d.dialer,
		backoff:        d.newBackoff(),
		sleep:          d.sleep,
		clock:          d.clock,
		onState:        d.onState,
		log:            d.log.WithComponent("probit_"+name).WithField("channel", name),
	}
}
