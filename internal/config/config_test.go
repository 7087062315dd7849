package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Retry.BackoffBaseMS != 300 || cfg.Retry.MaxRetries != 2 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if !cfg.Massive.Enabled || cfg.Massive.Priority != 0 {
		t.Fatalf("unexpected massive defaults: %+v", cfg.Massive)
	}
	if cfg.Binance.Priority != 1 {
		t.Fatalf("unexpected binance priority: %d", cfg.Binance.Priority)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server":{"port":"9090"},"massive":{"api_key":"from-file","requests_per_sec":2}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MASSIVE_API_KEY", "from-env")
	t.Setenv("RETRY_MAX_RETRIES", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("port = %q, want 9090", cfg.Server.Port)
	}
	// env wins over the file for secrets
	if cfg.Massive.APIKey != "from-env" {
		t.Fatalf("api key = %q, want from-env", cfg.Massive.APIKey)
	}
	if cfg.Massive.RequestsPerSec != 2 {
		t.Fatalf("rps = %v, want 2", cfg.Massive.RequestsPerSec)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("max retries = %d, want 5", cfg.Retry.MaxRetries)
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	p := Retry{BackoffBaseMS: 300, BackoffJitterMaxMS: 250, MaxRetries: 2}.Policy()
	if p.Base.Milliseconds() != 300 || p.JitterMax.Milliseconds() != 250 || p.MaxRetries != 2 {
		t.Fatalf("unexpected policy: %+v", p)
	}
}
