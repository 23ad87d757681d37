package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Ledger.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Ledger.Backend)
	}
	if cfg.Execute.Timeout != 60*time.Second {
		t.Errorf("expected 60s execute timeout, got %v", cfg.Execute.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payless.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
listen: ":9090"
ledger:
  backend: redis
  redis:
    addr: "redis:6379"
    db: 2
  starting_grant: 50
  reservation_ttl: 5m
pricing:
  file: pricing.yaml
  watch: true
providers:
  - name: openai
    url: https://api.openai.com
    api_key: ${TEST_API_KEY}
  - name: claude
    type: anthropic
    timeout: 30s
aliases:
  - name: fast
    provider: openai
    model: gpt-4o-mini
execute:
  timeout: 45s
earn:
  credits_per_minute: 6
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Providers[0].APIKey)
	}
	if cfg.Ledger.Redis.Addr != "redis:6379" || cfg.Ledger.Redis.DB != 2 {
		t.Errorf("unexpected redis config %+v", cfg.Ledger.Redis)
	}
	if cfg.Ledger.Redis.Prefix != "payless" {
		t.Errorf("expected default prefix to survive, got %q", cfg.Ledger.Redis.Prefix)
	}
	if cfg.Ledger.ReservationTTL != 5*time.Minute {
		t.Errorf("expected 5m ttl, got %v", cfg.Ledger.ReservationTTL)
	}
	if cfg.Execute.Timeout != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Execute.Timeout)
	}
	if cfg.Earn.CreditsPerMinute != 6 || cfg.Earn.MaxTickSeconds != 300 {
		t.Errorf("unexpected earn config %+v", cfg.Earn)
	}
	if !cfg.Pricing.Watch {
		t.Error("expected pricing watch enabled")
	}

	bindings := cfg.ProviderConfigs()
	if len(bindings) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(bindings))
	}
	if bindings[0].Type != "openai" {
		t.Errorf("type should default to name, got %q", bindings[0].Type)
	}
	if bindings[1].Type != "anthropic" || bindings[1].Timeout != 30*time.Second {
		t.Errorf("unexpected binding %+v", bindings[1])
	}

	opts := cfg.LogOptions()
	if opts.Level != "debug" || opts.Format != "console" {
		t.Errorf("unexpected log options %+v", opts)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, `
ledger:
  backend: postgres
  starting_grant: -1
providers:
  - name: openai
  - name: openai
  - name: mistral
earn:
  credits_per_minute: 0
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"postgres", "starting_grant", "duplicate name", `unknown type "mistral"`, "credits_per_minute"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateBackends(t *testing.T) {
	cfg := Default()
	cfg.Ledger.DBPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("sqlite without db_path should fail")
	}

	cfg.Ledger.Backend = BackendMemory
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory backend needs no path: %v", err)
	}

	cfg.Ledger.Backend = BackendRedis
	cfg.Ledger.Redis.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("redis without addr should fail")
	}
}

func TestValidateReservationTTL(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		timeout time.Duration
		wantErr bool
	}{
		{"defaults", 15 * time.Minute, 60 * time.Second, false},
		{"janitor disabled", 0, 60 * time.Second, false},
		{"shorter than timeout", 10 * time.Second, 30 * time.Second, true},
		{"equal to timeout", 30 * time.Second, 30 * time.Second, true},
		{"longer than timeout", 31 * time.Second, 30 * time.Second, false},
		{"default timeout applies", 45 * time.Second, 0, true},
		{"longer than default timeout", 2 * time.Minute, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Ledger.ReservationTTL = tt.ttl
			cfg.Execute.Timeout = tt.timeout
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "reservation_ttl") {
					t.Errorf("expected reservation_ttl error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuiltinProviders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	bindings := Default().ProviderConfigs()
	if len(bindings) != 3 {
		t.Fatalf("expected 3 built-in providers, got %d", len(bindings))
	}
	if bindings[1].Name != "anthropic" || bindings[1].APIKey != "sk-ant" {
		t.Errorf("unexpected anthropic binding %+v", bindings[1])
	}
}
