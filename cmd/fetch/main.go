// Command fetch performs a one-shot fetch against the configured providers
// and prints the canonical records as JSON. With -store it also upserts
// fetched bars into Postgres.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/canonical"
	"marketdata/internal/config"
	"marketdata/internal/httpx"
	"marketdata/internal/manager"
	"marketdata/internal/provider"
	"marketdata/internal/provider/binance"
	"marketdata/internal/provider/massive"
	"marketdata/internal/ratelimit"
	"marketdata/internal/respcache"
	"marketdata/internal/store"
)

func main() {
	var (
		endpointName string
		tickersCSV   string
		resolution   string
		providerHint string
		limit        int
		timeoutSec   int
		configPath   string
		storeBars    bool
	)
	flag.StringVar(&endpointName, "endpoint", "aggs", "endpoint type (aggs, trades, quotes, contracts, ...)")
	flag.StringVar(&tickersCSV, "tickers", "", "comma-separated tickers")
	flag.StringVar(&resolution, "resolution", "1m", "bar resolution for aggs")
	flag.StringVar(&providerHint, "provider", "", "pin the fetch to one provider")
	flag.IntVar(&limit, "limit", 0, "max records (0 = one provider page)")
	flag.IntVar(&timeoutSec, "timeout", 30, "overall timeout seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
	flag.BoolVar(&storeBars, "store", false, "upsert fetched bars into postgres")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	endpoint, ok := provider.ParseEndpointType(endpointName)
	if !ok {
		log.Fatal().Str("endpoint", endpointName).Msg("unknown endpoint type")
	}
	tickers := splitCSV(tickersCSV)
	if needsTicker(endpoint) && len(tickers) == 0 {
		log.Fatal().Msg("no tickers provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	httpClient := httpx.New(time.Duration(timeoutSec) * time.Second)
	limiters := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	retryPolicy := cfg.Retry.Policy()

	registry := provider.NewRegistry()
	if cfg.Massive.Enabled && cfg.Massive.APIKey != "" {
		limiters.Set(massive.Name, cfg.Massive.RateLimit())
		registry.Register(provider.Descriptor{
			Name: massive.Name,
			Endpoints: []provider.EndpointType{
				provider.EndpointContracts, provider.EndpointContract,
				provider.EndpointProducts, provider.EndpointProduct,
				provider.EndpointSchedules, provider.EndpointProductSchedules,
				provider.EndpointAggs, provider.EndpointTrades, provider.EndpointQuotes,
				provider.EndpointMarketStatus, provider.EndpointExchanges,
			},
			Priority: cfg.Massive.Priority,
			CacheTTL: time.Duration(cfg.Massive.CacheTTLSeconds) * time.Second,
		}, massive.New(massive.Config{
			APIKey:  cfg.Massive.APIKey,
			BaseURL: cfg.Massive.BaseURL,
			Timeout: time.Duration(cfg.Massive.TimeoutSec) * time.Second,
			Retry:   retryPolicy,
		}, httpClient, limiters, log))
	}
	if cfg.Binance.Enabled {
		limiters.Set(binance.Name, cfg.Binance.RateLimit())
		registry.Register(provider.Descriptor{
			Name:      binance.Name,
			Endpoints: []provider.EndpointType{provider.EndpointAggs},
			Priority:  cfg.Binance.Priority,
			CacheTTL:  time.Duration(cfg.Binance.CacheTTLSeconds) * time.Second,
		}, binance.New(binance.Config{
			BaseURL: cfg.Binance.BaseURL,
			Timeout: time.Duration(cfg.Binance.TimeoutSec) * time.Second,
			Retry:   retryPolicy,
		}, httpClient, limiters, log))
	}

	mgr := manager.New(registry, respcache.NewMemory(cfg.Cache.MaxItems), log)

	requests := buildRequests(endpoint, tickers, resolution, limit)

	var (
		mu      sync.Mutex
		records []canonical.Record
		bars    []canonical.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, req := range requests {
		g.Go(func() error {
			res, err := mgr.Fetch(gctx, providerHint, req)
			if err != nil {
				return fmt.Errorf("%s %v: %w", req.Endpoint, req.Params, err)
			}
			log.Info().Str("provider", res.Provider).Bool("from_cache", res.FromCache).
				Str("endpoint", string(req.Endpoint)).Int("records", len(res.Result.Records())).Msg("fetched")
			mu.Lock()
			records = append(records, res.Result.Records()...)
			bars = append(bars, res.Result.Bars...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("fetch")
	}

	if storeBars {
		if !cfg.Postgres.Enabled {
			log.Fatal().Msg("-store requires postgres.enabled")
		}
		pg, err := store.Open(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres")
		}
		defer pg.Close()
		n, err := pg.UpsertBars(ctx, bars)
		if err != nil {
			log.Fatal().Err(err).Msg("upsert")
		}
		log.Info().Int("rows", n).Msg("bars stored")
	}

	b, _ := json.MarshalIndent(map[string]any{"records": records}, "", "  ")
	fmt.Println(string(b))
}

// needsTicker reports whether the endpoint addresses a single instrument.
func needsTicker(endpoint provider.EndpointType) bool {
	switch endpoint {
	case provider.EndpointAggs, provider.EndpointTrades, provider.EndpointQuotes, provider.EndpointContract:
		return true
	default:
		return false
	}
}

func buildRequests(endpoint provider.EndpointType, tickers []string, resolution string, limit int) []provider.Request {
	if !needsTicker(endpoint) {
		return []provider.Request{{Endpoint: endpoint, Params: map[string]string{}, Limit: limit}}
	}
	out := make([]provider.Request, 0, len(tickers))
	for _, t := range tickers {
		params := map[string]string{"ticker": t}
		if endpoint == provider.EndpointAggs {
			params["resolution"] = resolution
		}
		out = append(out, provider.Request{Endpoint: endpoint, Params: params, Limit: limit})
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
