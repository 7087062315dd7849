// Package config loads the service configuration: JSON file with defaults,
// environment overrides for secrets and deploy-time knobs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"marketdata/internal/ratelimit"
	"marketdata/internal/retry"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
	ShutdownGraceSec  int    `json:"shutdown_grace_sec"`
}

type Retry struct {
	BackoffBaseMS      int `json:"backoff_base_ms"`
	BackoffJitterMaxMS int `json:"backoff_jitter_max_ms"`
	MaxRetries         int `json:"max_retries"`
}

// Policy converts the wire fields into the retry policy used everywhere.
func (r Retry) Policy() retry.Policy {
	return retry.Policy{
		Base:       time.Duration(r.BackoffBaseMS) * time.Millisecond,
		JitterMax:  time.Duration(r.BackoffJitterMaxMS) * time.Millisecond,
		MaxRetries: r.MaxRetries,
	}
}

type Massive struct {
	Enabled         bool    `json:"enabled"`
	APIKey          string  `json:"api_key"`
	BaseURL         string  `json:"base_url"`
	WSURL           string  `json:"ws_url"`
	TimeoutSec      int     `json:"timeout_sec"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	Burst           int     `json:"burst"`
	Priority        int     `json:"priority"`
	CacheTTLSeconds int     `json:"cache_ttl_sec"`
}

type Binance struct {
	Enabled         bool    `json:"enabled"`
	BaseURL         string  `json:"base_url"`
	TimeoutSec      int     `json:"timeout_sec"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	Burst           int     `json:"burst"`
	Priority        int     `json:"priority"`
	CacheTTLSeconds int     `json:"cache_ttl_sec"`
}

type Redis struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Postgres struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

type Stream struct {
	ClientQueueSize int `json:"client_queue_size"`
}

type Cache struct {
	MaxItems int `json:"max_items"`
}

type Config struct {
	LogLevel string   `json:"log_level"`
	Server   Server   `json:"server"`
	Retry    Retry    `json:"retry"`
	Cache    Cache    `json:"cache"`
	Massive  Massive  `json:"massive"`
	Binance  Binance  `json:"binance"`
	Redis    Redis    `json:"redis"`
	Postgres Postgres `json:"postgres"`
	Stream   Stream   `json:"stream"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server:   Server{Port: "8080", RequestTimeoutSec: 30, ShutdownGraceSec: 10},
		Retry:    Retry{BackoffBaseMS: 300, BackoffJitterMaxMS: 250, MaxRetries: 2},
		Cache:    Cache{MaxItems: 10000},
		Massive: Massive{
			Enabled:         true,
			TimeoutSec:      10,
			RequestsPerSec:  5,
			Burst:           5,
			Priority:        0,
			CacheTTLSeconds: 300,
		},
		Binance: Binance{
			Enabled:         true,
			TimeoutSec:      10,
			RequestsPerSec:  10,
			Burst:           10,
			Priority:        1,
			CacheTTLSeconds: 300,
		},
		Redis:  Redis{Addr: "localhost:6379"},
		Stream: Stream{ClientQueueSize: 256},
	}
}

func (m Massive) RateLimit() ratelimit.Config {
	return ratelimit.Config{RPS: m.RequestsPerSec, Burst: m.Burst}
}

func (b Binance) RateLimit() ratelimit.Config {
	return ratelimit.Config{RPS: b.RequestsPerSec, Burst: b.Burst}
}

// Load reads JSON config from path. If path is empty or the file does not
// exist, it returns defaults. Environment variables override select fields
// so secrets stay out of the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.RequestTimeoutSec, "REQUEST_TIMEOUT_SEC")
	setInt(&cfg.Server.ShutdownGraceSec, "SHUTDOWN_GRACE_SEC")

	setInt(&cfg.Retry.BackoffBaseMS, "RETRY_BACKOFF_BASE_MS")
	setInt(&cfg.Retry.BackoffJitterMaxMS, "RETRY_BACKOFF_JITTER_MAX_MS")
	setInt(&cfg.Retry.MaxRetries, "RETRY_MAX_RETRIES")

	setBool(&cfg.Massive.Enabled, "MASSIVE_ENABLED")
	setStr(&cfg.Massive.APIKey, "MASSIVE_API_KEY")
	setStr(&cfg.Massive.BaseURL, "MASSIVE_BASE_URL")
	setStr(&cfg.Massive.WSURL, "MASSIVE_WS_URL")
	setInt(&cfg.Massive.TimeoutSec, "MASSIVE_TIMEOUT_SEC")
	setFloat(&cfg.Massive.RequestsPerSec, "MASSIVE_RPS")
	setInt(&cfg.Massive.Burst, "MASSIVE_BURST")
	setInt(&cfg.Massive.CacheTTLSeconds, "MASSIVE_CACHE_TTL_SEC")

	setBool(&cfg.Binance.Enabled, "BINANCE_ENABLED")
	setStr(&cfg.Binance.BaseURL, "BINANCE_BASE_URL")
	setInt(&cfg.Binance.TimeoutSec, "BINANCE_TIMEOUT_SEC")
	setFloat(&cfg.Binance.RequestsPerSec, "BINANCE_RPS")
	setInt(&cfg.Binance.Burst, "BINANCE_BURST")
	setInt(&cfg.Binance.CacheTTLSeconds, "BINANCE_CACHE_TTL_SEC")

	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")

	setInt(&cfg.Stream.ClientQueueSize, "STREAM_CLIENT_QUEUE_SIZE")
	setInt(&cfg.Cache.MaxItems, "CACHE_MAX_ITEMS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x >= 0 {
			*dst = x
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.ParseFloat(v, 64); err == nil && x > 0 {
			*dst = x
		}
	}
}

func setBool(dst *bool, key string) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	}
}
