// Package binance adapts the Binance futures klines endpoint. It is a
// bars-only fallback provider: public, no credential, generous rate budget.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"marketdata/internal/canonical"
	"marketdata/internal/fetcherr"
	"marketdata/internal/provider"
	"marketdata/internal/ratelimit"
	"marketdata/internal/retry"
)

const (
	Name           = "binance"
	defaultBaseURL = "https://fapi.binance.com"

	// Binance serves at most 1500 rows per klines call and has no cursor.
	maxLimit = 1500
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=binance_test -destination=mock_http_client_test.go -source=binance.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// Adapter implements provider.Adapter for Binance futures klines.
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
	return endpoint == provider.EndpointAggs
}

func (a *Adapter) Fetch(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Endpoint != provider.EndpointAggs {
		return provider.Result{}, fetcherr.Validation(Name, "endpoint_type %q not served", req.Endpoint)
	}
	if req.Cursor != "" {
		return provider.Result{}, fetcherr.Validation(Name, "cursor pagination not supported")
	}
	ticker := req.Params["ticker"]
	if ticker == "" {
		return provider.Result{}, fetcherr.Validation(Name, "ticker required for aggs endpoint")
	}
	resolution := req.Params["resolution"]
	if resolution == "" {
		return provider.Result{}, fetcherr.Validation(Name, "resolution required for aggs endpoint")
	}

	q := url.Values{}
	q.Set("symbol", ticker)
	q.Set("interval", resolution)
	if v := req.Params["startTime"]; v != "" {
		q.Set("startTime", v)
	}
	if v := req.Params["endTime"]; v != "" {
		q.Set("endTime", v)
	}
	if req.Limit > 0 {
		limit := req.Limit
		if limit > maxLimit {
			limit = maxLimit
		}
		q.Set("limit", fmt.Sprint(limit))
	}
	reqURL := a.cfg.BaseURL + "/fapi/v1/klines?" + q.Encode()

	rows, err := retry.Do(ctx, a.cfg.Retry, func() ([][]any, error) {
		if err := a.limiters.Acquire(ctx, Name); err != nil {
			return nil, err
		}
		return a.call(ctx, reqURL)
	})
	if err != nil {
		return provider.Result{}, err
	}

	bars, err := normalizeKlines(rows, ticker, resolution)
	if err != nil {
		a.log.Error().Err(err).Str("symbol", ticker).Msg("klines shape rejected")
		return provider.Result{}, err
	}
	return provider.Result{Bars: bars}, nil
}

func (a *Adapter) call(ctx context.Context, reqURL string) ([][]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fetcherr.Validation(Name, "building request: %v", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fetcherr.Transient(Name, err, "request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot || resp.StatusCode >= 500:
		// 418 is Binance's temporary IP ban
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fetcherr.Transient(Name, nil, "status %d: %s", resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fetcherr.Validation(Name, "status %d: %s", resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fetcherr.Schema(Name, "decoding klines: %v", err)
	}
	return rows, nil
}

// normalizeKlines maps the positional kline rows onto canonical bars.
// Row format: [openTime ms, open, high, low, close, volume, closeTime, ...]
// with the price columns string-encoded by the API.
func normalizeKlines(rows [][]any, ticker, resolution string) ([]canonical.Bar, error) {
	bars := make([]canonical.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fetcherr.Schema(Name, "klines[%d]: %d columns, want at least 6", i, len(row))
		}
		openTime, err := columnInt(row[0])
		if err != nil {
			return nil, fetcherr.Schema(Name, "klines[%d]: open time: %v", i, err)
		}
		bar := canonical.Bar{
			Source:   Name,
			Symbol:   ticker,
			Interval: resolution,
			TS:       openTime / 1_000,
		}
		for j, dst := range []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume} {
			v, err := columnFloat(row[j+1])
			if err != nil {
				return nil, fetcherr.Schema(Name, "klines[%d][%d]: %v", i, j+1, err)
			}
			*dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func columnInt(v any) (int64, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("value %v is not a number", v)
	}
	return num.Int64()
}

func columnFloat(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("value %v is not a number", v)
	}
}
