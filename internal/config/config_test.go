package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
server:
  storageDir: `+t.TempDir()+`
provider:
  kind: mock
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("default addr mismatch: %q", cfg.Server.Addr)
	}
	if cfg.Provenance.Level != "standard" {
		t.Fatalf("default provenance level mismatch: %q", cfg.Provenance.Level)
	}
	if cfg.Batch.MaxConcurrent != 3 {
		t.Fatalf("default batch concurrency mismatch: %d", cfg.Batch.MaxConcurrent)
	}
	if cfg.Batch.PollInterval != 500*time.Millisecond {
		t.Fatalf("default poll interval mismatch: %v", cfg.Batch.PollInterval)
	}
	if cfg.Server.DatabasePath == "" {
		t.Fatalf("database path should default under storage dir")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PIXELSMITH_KEY", "sk-test-123")
	path := writeConfig(t, `
server:
  storageDir: `+t.TempDir()+`
provider:
  kind: openai
  openai:
    apiKey: ${TEST_PIXELSMITH_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.OpenAI.APIKey != "sk-test-123" {
		t.Fatalf("env expansion failed: %q", cfg.Provider.OpenAI.APIKey)
	}
	if cfg.Provider.OpenAI.BaseURL != "https://api.openai.com" {
		t.Fatalf("openai base url default missing: %q", cfg.Provider.OpenAI.BaseURL)
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
provider:
  kind: dalle9000
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown provider kind")
	}
}

func TestLoad_RejectsMissingOpenAIKey(t *testing.T) {
	path := writeConfig(t, `
provider:
  kind: openai
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestLoad_RejectsExcessiveConcurrency(t *testing.T) {
	path := writeConfig(t, `
provider:
  kind: mock
batch:
  maxConcurrent: 99
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for out-of-range concurrency")
	}
}
