package probit

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingPairsExplicitListSkipsNetwork(t *testing.T) {
	ex := newFakeExchange(t)
	log, _ := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL), WithLogger(log), WithTradingPairs("ETH-USDT", "BTC-USDT"))

	assert.Equal(t, []string{"ETH-USDT", "BTC-USDT"}, ds.TradingPairs(context.Background()))
	assert.Equal(t, []string{"ETH-USDT", "BTC-USDT"}, ds.TradingPairs(context.Background()))
	assert.Zero(t, ex.total())
}

func TestTradingPairsFromConfig(t *testing.T) {
	ex := newFakeExchange(t)
	log, _ := testLogger()
	cfg := testConfig(ex.srv.URL)
	cfg.TradingPairs = []string{"XRP-USDT"}
	ds := NewDataSource(cfg, WithLogger(log))

	assert.Equal(t, []string{"XRP-USDT"}, ds.TradingPairs(context.Background()))
	assert.Zero(t, ex.total())
}

func TestTradingPairsFromCatalogAreMemoized(t *testing.T) {
	ex := newFakeExchange(t)
	ex.set(marketEndpoint, http.StatusOK, btcMarkets)
	ex.set(tickerEndpoint, http.StatusOK, btcTicker)
	log, _ := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL), WithLogger(log))

	assert.Equal(t, []string{"BTC-USDT"}, ds.TradingPairs(context.Background()))

	ex.set(marketEndpoint, http.StatusInternalServerError, "")
	assert.Equal(t, []string{"BTC-USDT"}, ds.TradingPairs(context.Background()))
	assert.Equal(t, 1, ex.count(marketEndpoint))
}

func TestTradingPairsNetworkFailureDegradesToEmpty(t *testing.T) {
	ex := newFakeExchange(t)
	ex.set(marketEndpoint, http.StatusServiceUnavailable, "")
	ex.set(tickerEndpoint, http.StatusOK, btcTicker)
	log, hook := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL), WithLogger(log))

	pairs := ds.TradingPairs(context.Background())
	require.NotNil(t, pairs)
	assert.Empty(t, pairs)

	warns := entriesAt(hook, logrus.WarnLevel)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Message, "check network connection")
	assert.Equal(t, true, warns[0].Data["network_warning"])

	// Failure was not memoized.
	ex.set(marketEndpoint, http.StatusOK, btcMarkets)
	assert.Equal(t, []string{"BTC-USDT"}, ds.TradingPairs(context.Background()))
}

func TestResolveTradingPairsKeepsReason(t *testing.T) {
	ex := newFakeExchange(t)
	ex.set(marketEndpoint, http.StatusOK, `{"data":[]}`)
	ex.set(tickerEndpoint, http.StatusOK, `{"data":[]}`)
	log, _ := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL), WithLogger(log))

	res := ds.ResolveTradingPairs(context.Background())
	assert.True(t, errors.Is(res.Err, ErrNoTradingPairs), "got %v", res.Err)
	assert.Empty(t, res.Pairs)
}

func TestResolveTradingPairsCancelled(t *testing.T) {
	ex := newFakeExchange(t)
	log, hook := testLogger()
	ds := NewDataSource(testConfig(ex.srv.URL), WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := ds.ResolveTradingPairs(ctx)
	assert.ErrorIs(t, res.Err, context.Canceled)

	assert.Empty(t, ds.TradingPairs(ctx))
	assert.Empty(t, entriesAt(hook, logrus.WarnLevel))
}
