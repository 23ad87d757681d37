package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
ledger:
  backend: sqlite
  db_path: ` + filepath.Join(dir, "ledger.db") + `
  starting_grant: 25
log:
  level: error
metrics:
  enabled: false
`
	path := filepath.Join(dir, "payless.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEarnAndBalance(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "earn", "alice", "10", "--id", "promo-1", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "credited 10, balance 35") {
		t.Errorf("unexpected earn output: %s", out)
	}

	out, err = run(t, "earn", "alice", "10", "--id", "promo-1", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "already applied") {
		t.Errorf("expected duplicate earn to be a no-op: %s", out)
	}

	out, err = run(t, "earn", "alice", "120", "--ad-seconds", "--id", "tick-1", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "credited 20") {
		t.Errorf("unexpected ad earn output: %s", out)
	}

	out, err = run(t, "balance", "alice", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "55 credits") {
		t.Errorf("unexpected balance output: %s", out)
	}

	out, err = run(t, "events", "alice", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "earn") != 3 {
		t.Errorf("expected grant and two earns, got: %s", out)
	}

	out, err = run(t, "verify", "alice", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "OK\talice\t55") {
		t.Errorf("unexpected verify output: %s", out)
	}
}

func TestEstimateAndModels(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "estimate", "-p", "openai", "-c", cfg, "hello", "world!")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "gpt-4o") || !strings.Contains(out, "11") {
		t.Errorf("unexpected estimate output: %s", out)
	}

	out, err = run(t, "models", "gemini", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "gemini-2.0-flash") || strings.Contains(out, "gpt-4o") {
		t.Errorf("unexpected models output: %s", out)
	}
}

func TestMissingExplicitConfig(t *testing.T) {
	if _, err := run(t, "balance", "alice", "-c", "/nonexistent/payless.yaml"); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestPricingValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `
version: "2025-06"
models:
  gpt-4o: {input: 2.5, output: 10}
providers:
  openai:
    default_model: gpt-4o
    available_models: [gpt-4o, gpt-5]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "pricing", "validate", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "version 2025-06") || !strings.Contains(out, "gpt-5") {
		t.Errorf("unexpected validate output: %s", out)
	}
}
