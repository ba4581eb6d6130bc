package probit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"booksync/config"
	ratemetrics "booksync/internal/metrics/rate"
	"booksync/logger"
)

const (
	marketEndpoint    = "market"
	tickerEndpoint    = "ticker"
	orderBookEndpoint = "order_book"

	apiPrefix = "/api/exchange/v1/"

	maxBodyBytes = 16 << 20
)

// HTTPDoer is the transport used for REST calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	req.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(req)
}

// newHTTPClient builds the pooled client, bound to cfg.LocalIP when set.
func newHTTPClient(cfg config.ProbitSourceConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	if dialer := localDialer(cfg.LocalIP); dialer != nil {
		transport.DialContext = dialer.DialContext
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = userAgentTransport{agent: cfg.UserAgent, base: transport}
	}
	return &http.Client{Transport: rt, Timeout: cfg.RequestTimeout}
}

func localDialer(localIP string) *net.Dialer {
	if localIP == "" {
		return nil
	}
	ip := net.ParseIP(localIP)
	if ip == nil {
		return nil
	}
	return &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
}

// restClient issues rate-limited GETs against the v1 REST API and unwraps
// the {"data": ...} envelope.
type restClient struct {
	baseURL string
	localIP string
	http    HTTPDoer
	limiter *rate.Limiter
	log     *logger.Log
}

func newRESTClient(cfg config.ProbitSourceConfig, doer HTTPDoer, log *logger.Log) *restClient {
	burst := cfg.RateLimit.BurstSize
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	return &restClient{
		baseURL: strings.TrimRight(cfg.RestURL, "/"),
		localIP: cfg.LocalIP,
		http:    doer,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// getData fetches endpoint and decodes its data field into out. It returns
// the raw body size for accounting.
func (c *restClient) getData(ctx context.Context, endpoint, pair string, query url.Values, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &NetworkFetchError{Endpoint: endpoint, Pair: pair, Err: err}
	}

	u := c.baseURL + apiPrefix + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("probit: build %s request: %w", endpoint, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &NetworkFetchError{Endpoint: endpoint, Pair: pair, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &NetworkFetchError{Endpoint: endpoint, Pair: pair, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		ratemetrics.ReportFromResponse(c.log, endpoint, pair, c.localIP, resp.StatusCode, string(body))
		return len(body), &NetworkFetchError{Endpoint: endpoint, Pair: pair, StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return len(body), &MalformedResponseError{Endpoint: endpoint, Pair: pair, Err: err}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return len(body), &MalformedResponseError{Endpoint: endpoint, Pair: pair, Err: errors.New("missing data field")}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return len(body), &MalformedResponseError{Endpoint: endpoint, Pair: pair, Err: err}
	}
	return len(body), nil
}
