// Package massive is the adapter for the Massive futures REST and
// streaming APIs (formerly the Polygon futures division). It serves all
// reference and market data endpoint types and is the primary provider.
package massive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"marketdata/internal/canonical"
	"marketdata/internal/fetcherr"
	"marketdata/internal/provider"
	"marketdata/internal/ratelimit"
	"marketdata/internal/retry"
)

const (
	Name           = "massive"
	defaultBaseURL = "https://api.massive.com"

	// maxPages bounds the internal pagination loop so a provider echoing a
	// stale cursor cannot spin forever.
	maxPages = 50
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=massive_test -destination=mock_http_client_test.go -source=massive.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// Adapter implements provider.Adapter for Massive futures.
type Adapter struct {
	cfg      Config
	client   HTTPClient
	limiters *ratelimit.Limiters
	log      zerolog.Logger
}

func New(cfg Config, client HTTPClient, limiters *ratelimit.Limiters, log zerolog.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{cfg: cfg, client: client, limiters: limiters, log: log.With().Str("provider", Name).Logger()}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Supports(endpoint provider.EndpointType) bool {
	_, ok := endpointPaths(endpoint)
	return ok
}

// page is one decoded REST response.
type page struct {
	results []map[string]any
	nextURL string
}

// Fetch performs the provider call, paginating while the caller's limit is
// unsatisfied and the provider reports further pages.
func (a *Adapter) Fetch(ctx context.Context, req provider.Request) (provider.Result, error) {
	if a.cfg.APIKey == "" {
		return provider.Result{}, fetcherr.Auth(Name, "api key not configured")
	}

	reqURL := req.Cursor
	if reqURL == "" {
		u, err := a.buildURL(req)
		if err != nil {
			return provider.Result{}, err
		}
		reqURL = u
	}

	var res provider.Result
	count := 0
	for pageN := 0; pageN < maxPages; pageN++ {
		pg, err := retry.Do(ctx, a.cfg.Retry, func() (page, error) {
			if err := a.limiters.Acquire(ctx, Name); err != nil {
				return page{}, err
			}
			return a.call(ctx, reqURL)
		})
		if err != nil {
			return provider.Result{}, err
		}

		n, err := appendNormalized(&res, req, pg.results)
		if err != nil {
			a.log.Error().Err(err).Str("endpoint", string(req.Endpoint)).Msg("response shape rejected")
			return provider.Result{}, err
		}
		count += n

		if pg.nextURL == "" || pg.nextURL == reqURL {
			res.NextCursor = ""
			break
		}
		res.NextCursor = pg.nextURL
		if req.Limit <= 0 || count >= req.Limit {
			break
		}
		reqURL = pg.nextURL
	}

	res.Trades = canonical.DedupeTrades(res.Trades)
	res.Quotes = canonical.DedupeQuotes(res.Quotes)
	return res, nil
}

// call issues one rate-limited, timeout-bounded HTTP request and
// classifies the outcome.
func (a *Adapter) call(ctx context.Context, reqURL string) (page, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(reqURL)
	if err != nil {
		return page{}, fetcherr.Validation(Name, "bad request url %q", reqURL)
	}
	q := u.Query()
	if q.Get("apiKey") == "" {
		q.Set("apiKey", a.cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return page{}, fetcherr.Validation(Name, "building request: %v", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return page{}, fetcherr.Transient(Name, err, "request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return page{}, fetcherr.Auth(Name, "credential rejected with status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return page{}, fetcherr.Transient(Name, nil, "status %d: %s", resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return page{}, fetcherr.Validation(Name, "status %d: %s", resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body struct {
		Results []map[string]any `json:"results"`
		NextURL string           `json:"next_url"`
	}
	if err := dec.Decode(&body); err != nil {
		return page{}, fetcherr.Schema(Name, "decoding response: %v", err)
	}
	return page{results: body.Results, nextURL: body.NextURL}, nil
}

// buildURL routes the endpoint type to its REST path and copies through the
// parameters that endpoint accepts.
func (a *Adapter) buildURL(req provider.Request) (string, error) {
	route, ok := endpointPaths(req.Endpoint)
	if !ok {
		return "", fetcherr.Validation(Name, "unknown endpoint_type %q", req.Endpoint)
	}

	path := route.path
	for _, arg := range route.pathParams {
		v := req.Params[arg]
		if v == "" {
			return "", fetcherr.Validation(Name, "%s required for %s endpoint", arg, req.Endpoint)
		}
		path = fmt.Sprintf(path, url.PathEscape(v))
	}

	q := url.Values{}
	for _, p := range route.queryParams {
		if v, ok := req.Params[p]; ok {
			q.Set(p, v)
		}
	}
	for _, p := range route.required {
		if req.Params[p] == "" {
			return "", fetcherr.Validation(Name, "%s required for %s endpoint", p, req.Endpoint)
		}
	}
	if req.Limit > 0 && q.Get("limit") == "" {
		q.Set("limit", fmt.Sprint(req.Limit))
	}

	u := a.cfg.BaseURL + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u, nil
}

type route struct {
	path        string
	pathParams  []string // substituted into path, required
	required    []string // required query params
	queryParams []string // accepted query params
}

func endpointPaths(endpoint provider.EndpointType) (route, bool) {
	switch endpoint {
	case provider.EndpointContracts:
		return route{
			path:        "/futures/vX/contracts",
			queryParams: []string{"product_code", "first_trade_date", "last_trade_date", "as_of", "active", "type", "limit", "sort"},
		}, true
	case provider.EndpointContract:
		return route{
			path:        "/futures/vX/contracts/%s",
			pathParams:  []string{"ticker"},
			queryParams: []string{"as_of"},
		}, true
	case provider.EndpointProducts:
		return route{
			path:        "/futures/vX/products",
			queryParams: []string{"name", "as_of", "trading_venue", "sector", "sub_sector", "asset_class", "asset_sub_class", "type", "limit", "sort"},
		}, true
	case provider.EndpointProduct:
		return route{
			path:        "/futures/vX/products/%s",
			pathParams:  []string{"product_code"},
			queryParams: []string{"type", "as_of"},
		}, true
	case provider.EndpointSchedules:
		return route{
			path:        "/futures/vX/schedules",
			queryParams: []string{"session_end_date", "trading_venue", "limit", "sort"},
		}, true
	case provider.EndpointProductSchedules:
		return route{
			path:        "/futures/vX/products/%s/schedules",
			pathParams:  []string{"product_code"},
			queryParams: []string{"session_end_date", "limit", "sort"},
		}, true
	case provider.EndpointAggs:
		return route{
			path:        "/futures/vX/aggs/%s",
			pathParams:  []string{"ticker"},
			required:    []string{"resolution"},
			queryParams: []string{"resolution", "window_start", "window_start.gte", "window_start.gt", "window_start.lte", "window_start.lt", "limit", "sort"},
		}, true
	case provider.EndpointTrades:
		return route{
			path:        "/futures/vX/trades/%s",
			pathParams:  []string{"ticker"},
			queryParams: []string{"timestamp", "session_end_date", "limit", "sort"},
		}, true
	case provider.EndpointQuotes:
		return route{
			path:        "/futures/vX/quotes/%s",
			pathParams:  []string{"ticker"},
			queryParams: []string{"timestamp", "session_end_date", "limit", "sort"},
		}, true
	case provider.EndpointMarketStatus:
		return route{
			path:        "/futures/vX/market-status",
			queryParams: []string{"product_code", "limit", "sort"},
		}, true
	case provider.EndpointExchanges:
		return route{
			path:        "/futures/vX/exchanges",
			queryParams: []string{"limit"},
		}, true
	default:
		return route{}, false
	}
}
