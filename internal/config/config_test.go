package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_YAMLDefaults(t *testing.T) {
	data := []byte(`
data_dir: /tmp/omni
http:
  listen_addr: ":9090"
automation:
  instance_concurrency_overrides:
    wa-1: 2
channels:
  tg-1:
    type: telegram
    bot_token: abc
`)
	cfg, err := Parse(data, ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Addr() != ":9090" {
		t.Errorf("got %q, want :9090", cfg.HTTP.Addr())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("got driver %q, want sqlite", cfg.StorageDriverName())
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/tmp/omni", "omni.db") {
		t.Errorf("got %q", got)
	}
	if !cfg.Automation.IsEnabled() || cfg.Automation.Concurrency() != 5 {
		t.Errorf("automation defaults not applied: %+v", cfg.Automation)
	}
	if cfg.Automation.ActionTimeout() != 30*time.Second || cfg.Automation.StopTimeout() != 10*time.Second {
		t.Errorf("timeout defaults not applied")
	}
	if cfg.Routing.MaxEntries() != 1000 || cfg.Routing.TTL() != 30*time.Second {
		t.Errorf("routing defaults not applied")
	}
	if cfg.Retention.CronSchedule() != "0 3 * * *" || cfg.Retention.MaxAge() != 30*24*time.Hour {
		t.Errorf("retention defaults not applied")
	}
	if cfg.MetricsEnabled() || cfg.MetricsPath() != "/metrics" {
		t.Errorf("metrics should default to disabled on /metrics")
	}
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"data_dir":"/d","routing":{"cache_ttl_s":5}}`), ".json")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Routing.TTL() != 5*time.Second {
		t.Errorf("got %v, want 5s", cfg.Routing.TTL())
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("OMNI_DATABASE_DSN", "postgres://u:p@localhost/omni")
	t.Setenv("OMNI_API_KEYS", "k1:alice, k2")
	t.Setenv("OMNI_LISTEN_ADDR", ":7000")
	t.Setenv("OMNI_DATA_DIR", "/env/data")

	cfg, err := Parse([]byte(`data_dir: /file`), ".yml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@localhost/omni" {
		t.Errorf("dsn override not applied: %+v", cfg.Storage)
	}
	if cfg.HTTP.APIKeys["k1"] != "alice" || cfg.HTTP.APIKeys["k2"] != "api" {
		t.Errorf("got %v", cfg.HTTP.APIKeys)
	}
	if cfg.HTTP.Addr() != ":7000" || cfg.DataDir != "/env/data" {
		t.Errorf("got addr %q data %q", cfg.HTTP.Addr(), cfg.DataDir)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "storage: {driver: mysql}", "storage.driver"},
		{"postgres without dsn", "storage: {driver: postgres}", "dsn"},
		{"bad channel", "channels: {x: {type: fax}}", "channels.x.type"},
		{"telegram without token", "channels: {x: {type: telegram}}", "bot_token"},
		{"webhook without url", "channels: {x: {type: webhook}}", "url"},
		{"ws agent http url", "agents: {providers: {a: {type: websocket, url: 'http://x'}}}", "ws://"},
		{"mcp stdio without command", "agents: {providers: {a: {type: mcp}}}", "command"},
		{"unknown default agent", "agents: {default: b, providers: {a: {type: websocket, url: 'ws://x'}}}", "agents.default"},
		{"zero override", "automation: {instance_concurrency_overrides: {i: 0}}", "must be positive"},
		{"tracing without endpoint", "observability: {tracing: {enabled: true}}", "endpoint"},
		{"bad log format", "log: {format: xml}", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte("data_dir: /d\n"+tt.yaml), ".yaml")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omni.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /d\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "omni.log")
	logger, closer, err := NewLogger(LogConfig{Level: "debug", Format: "text", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello file")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
