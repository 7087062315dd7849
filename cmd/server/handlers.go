package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketdata/internal/aggregate"
	"marketdata/internal/canonical"
	"marketdata/internal/fetcherr"
	"marketdata/internal/manager"
	"marketdata/internal/provider"
	"marketdata/internal/store"
)

type api struct {
	mgr     *manager.Manager
	bars    store.BarStore
	timeout time.Duration
	log     zerolog.Logger
}

type fetchResponse struct {
	Provider   string             `json:"provider"`
	FromCache  bool               `json:"from_cache"`
	Records    []canonical.Record `json:"records"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// reservedParams are routed separately and never forwarded to providers.
var reservedParams = map[string]struct{}{
	"endpoint": {}, "provider": {}, "limit": {}, "cursor": {},
}

// latestFetchLimit bounds how much history each latest lookup pulls in.
const latestFetchLimit = 50

func (a *api) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	endpoint, ok := provider.ParseEndpointType(q.Get("endpoint"))
	if !ok {
		writeError(w, http.StatusBadRequest, fetcherr.KindValidation, "unknown endpoint type")
		return
	}

	params := make(map[string]string)
	for name := range q {
		if _, reserved := reservedParams[name]; reserved {
			continue
		}
		params[name] = q.Get(name)
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fetcherr.KindValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	res, err := a.mgr.Fetch(ctx, q.Get("provider"), provider.Request{
		Endpoint: endpoint,
		Params:   params,
		Limit:    limit,
		Cursor:   q.Get("cursor"),
	})
	if err != nil {
		status, kind, msg := classifyHTTP(err)
		a.log.Warn().Err(err).Str("endpoint", string(endpoint)).Msg("fetch failed")
		writeError(w, status, kind, msg)
		return
	}

	writeJSON(w, http.StatusOK, fetchResponse{
		Provider:   res.Provider,
		FromCache:  res.FromCache,
		Records:    res.Result.Records(),
		NextCursor: res.Result.NextCursor,
	})
}

type latestResponse struct {
	Type      string                     `json:"type"`
	Snapshots []aggregate.TickerSnapshot `json:"snapshots"`
}

// handleLatest fetches recent trades or quotes for a ticker list and reduces
// them to the newest snapshot per ticker.
func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	kind := q.Get("type")
	if kind == "" {
		kind = "trades"
	}
	endpoint := provider.EndpointTrades
	if kind == "quotes" {
		endpoint = provider.EndpointQuotes
	} else if kind != "trades" {
		writeError(w, http.StatusBadRequest, fetcherr.KindValidation, "type must be trades or quotes")
		return
	}

	var tickers []string
	for _, t := range strings.Split(q.Get("tickers"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tickers = append(tickers, t)
		}
	}
	if len(tickers) == 0 {
		writeError(w, http.StatusBadRequest, fetcherr.KindValidation, "tickers is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	var trades []canonical.Trade
	var quotes []canonical.Quote
	for _, ticker := range tickers {
		res, err := a.mgr.Fetch(ctx, q.Get("provider"), provider.Request{
			Endpoint: endpoint,
			Params:   map[string]string{"ticker": ticker},
			Limit:    latestFetchLimit,
		})
		if err != nil {
			status, errKind, msg := classifyHTTP(err)
			a.log.Warn().Err(err).Str("ticker", ticker).Msg("latest fetch failed")
			writeError(w, status, errKind, msg)
			return
		}
		trades = append(trades, res.Result.Trades...)
		quotes = append(quotes, res.Result.Quotes...)
	}

	out := latestResponse{Type: kind}
	if endpoint == provider.EndpointTrades {
		out.Snapshots = aggregate.LatestTrades(trades)
	} else {
		out.Snapshots = aggregate.LatestQuotes(quotes)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": a.mgr.Status()})
}

func (a *api) handleBars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.bars == nil {
		writeError(w, http.StatusNotFound, fetcherr.KindValidation, "bar storage not configured")
		return
	}

	q := r.URL.Query()
	source, symbol, interval := q.Get("source"), q.Get("symbol"), q.Get("interval")
	if source == "" || symbol == "" || interval == "" {
		writeError(w, http.StatusBadRequest, fetcherr.KindValidation, "source, symbol and interval are required")
		return
	}
	fromTS, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	toTS, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil || toTS < fromTS {
		writeError(w, http.StatusBadRequest, fetcherr.KindValidation, "from and to must be unix seconds with from <= to")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	bars, err := a.bars.BarsRange(ctx, source, symbol, interval, fromTS, toTS)
	if err != nil {
		a.log.Error().Err(err).Msg("bars query failed")
		writeError(w, http.StatusInternalServerError, "storage", "bars query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bars": bars})
}

// classifyHTTP maps the error taxonomy onto HTTP statuses with short
// descriptions; raw provider payloads never reach the response body.
func classifyHTTP(err error) (int, fetcherr.Kind, string) {
	var all *fetcherr.AllFailed
	if errors.As(err, &all) {
		return http.StatusBadGateway, "all_providers_failed", "every capable provider failed"
	}
	if fetcherr.IsExhausted(err) {
		return http.StatusServiceUnavailable, fetcherr.KindTransient, "provider retries exhausted"
	}
	switch fetcherr.KindOf(err) {
	case fetcherr.KindValidation:
		return http.StatusBadRequest, fetcherr.KindValidation, "invalid request parameters"
	case fetcherr.KindAuth:
		return http.StatusUnauthorized, fetcherr.KindAuth, "provider credential missing or rejected"
	case fetcherr.KindSchema:
		return http.StatusBadGateway, fetcherr.KindSchema, "provider response did not match the expected shape"
	case fetcherr.KindTransient:
		return http.StatusServiceUnavailable, fetcherr.KindTransient, "provider temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func writeError(w http.ResponseWriter, status int, kind fetcherr.Kind, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: string(kind), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
