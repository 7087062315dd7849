package main

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/config"
	"marketdata/internal/httpx"
	"marketdata/internal/manager"
	"marketdata/internal/provider"
	"marketdata/internal/provider/binance"
	"marketdata/internal/provider/massive"
	"marketdata/internal/ratelimit"
	"marketdata/internal/respcache"
	"marketdata/internal/store"
	"marketdata/internal/stream"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Massive.Enabled && cfg.Massive.APIKey == "" {
		log.Warn().Msg("massive.enabled=true but MASSIVE_API_KEY not set")
	}

	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

	limiters := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	retryPolicy := cfg.Retry.Policy()

	registry := provider.NewRegistry()
	if cfg.Massive.Enabled {
		limiters.Set(massive.Name, cfg.Massive.RateLimit())
		adapter := massive.New(massive.Config{
			APIKey:  cfg.Massive.APIKey,
			BaseURL: cfg.Massive.BaseURL,
			Timeout: time.Duration(cfg.Massive.TimeoutSec) * time.Second,
			Retry:   retryPolicy,
		}, httpClient, limiters, log)
		registry.Register(provider.Descriptor{
			Name: massive.Name,
			Endpoints: []provider.EndpointType{
				provider.EndpointContracts, provider.EndpointContract,
				provider.EndpointProducts, provider.EndpointProduct,
				provider.EndpointSchedules, provider.EndpointProductSchedules,
				provider.EndpointAggs, provider.EndpointTrades, provider.EndpointQuotes,
				provider.EndpointMarketStatus, provider.EndpointExchanges,
			},
			RateLimit: cfg.Massive.RateLimit(),
			Timeout:   time.Duration(cfg.Massive.TimeoutSec) * time.Second,
			Priority:  cfg.Massive.Priority,
			CacheTTL:  time.Duration(cfg.Massive.CacheTTLSeconds) * time.Second,
		}, adapter)
	}
	if cfg.Binance.Enabled {
		limiters.Set(binance.Name, cfg.Binance.RateLimit())
		adapter := binance.New(binance.Config{
			BaseURL: cfg.Binance.BaseURL,
			Timeout: time.Duration(cfg.Binance.TimeoutSec) * time.Second,
			Retry:   retryPolicy,
		}, httpClient, limiters, log)
		registry.Register(provider.Descriptor{
			Name:      binance.Name,
			Endpoints: []provider.EndpointType{provider.EndpointAggs},
			RateLimit: cfg.Binance.RateLimit(),
			Timeout:   time.Duration(cfg.Binance.TimeoutSec) * time.Second,
			Priority:  cfg.Binance.Priority,
			CacheTTL:  time.Duration(cfg.Binance.CacheTTLSeconds) * time.Second,
		}, adapter)
	}

	var cache respcache.Cache
	var redisCache *respcache.Redis
	if cfg.Redis.Enabled {
		redisCache, err = respcache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis")
		}
		cache = redisCache
		log.Info().Str("addr", cfg.Redis.Addr).Msg("response cache on redis")
	} else {
		cache = respcache.NewMemory(cfg.Cache.MaxItems)
		log.Info().Msg("response cache in memory")
	}

	mgr := manager.New(registry, cache, log)

	var barStore store.BarStore
	if cfg.Postgres.Enabled {
		pg, err := store.Open(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres")
		}
		defer pg.Close()
		barStore = pg
	}

	mux := stream.NewMux(log, retryPolicy)
	if cfg.Massive.Enabled && cfg.Massive.APIKey != "" {
		mux.RegisterDialect(massive.NewStreamDialect(cfg.Massive.APIKey, cfg.Massive.WSURL))
	}
	bridge := newWSBridge(mux, massive.Name, cfg.Stream.ClientQueueSize, log)

	a := &api{
		mgr:     mgr,
		bars:    barStore,
		timeout: time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
		log:     log,
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	apiMux.HandleFunc("/api/fetch", a.handleFetch)
	apiMux.HandleFunc("/api/latest", a.handleLatest)
	apiMux.HandleFunc("/api/status", a.handleStatus)
	apiMux.HandleFunc("/api/bars", a.handleBars)

	// the websocket route stays outside the middleware chain: the upgrade
	// needs the raw hijackable ResponseWriter
	root := http.NewServeMux()
	root.HandleFunc("/ws", bridge.handle)
	root.Handle("/", withJSONHeaders(withGzip(recoverPanic(limitBody(apiMux)))))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // websocket connections outlive any write timeout
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Server.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grace := time.Duration(cfg.Server.ShutdownGraceSec) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = mux.Close(shutdownCtx)
		if redisCache != nil {
			_ = redisCache.Close()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
	log.Info().Msg("shutdown complete")
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses responses when the client supports gzip.
func withGzip(next http.Handler) http.Handler {
	var gzPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzipResponseWriter{ResponseWriter: w, Writer: gz}
		next.ServeHTTP(gw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// limitBody caps request body size.
func limitBody(next http.Handler) http.Handler {
	const maxBody = 1 << 20 // 1MB
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
