package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"midsoc/internal/claim"
	"midsoc/internal/schema"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sources = []SourceConfig{
		{Path: "/data/edr", Tool: schema.ToolEDR},
		{Path: "/data/siem", Tool: schema.ToolSIEM},
	}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Watcher.DebounceWindow != 60*time.Second {
		t.Errorf("DebounceWindow = %v, want 60s", cfg.Watcher.DebounceWindow)
	}
	if cfg.Watcher.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Watcher.PollInterval)
	}
	if cfg.Watcher.SentinelName != "SDN" {
		t.Errorf("SentinelName = %q, want SDN", cfg.Watcher.SentinelName)
	}
	if cfg.Dispatch.SettleDelay != 2*time.Second {
		t.Errorf("SettleDelay = %v, want 2s", cfg.Dispatch.SettleDelay)
	}
	if cfg.Dispatch.WriteSettle != 2*time.Second {
		t.Errorf("WriteSettle = %v, want 2s", cfg.Dispatch.WriteSettle)
	}
	if cfg.Storage.ClickHouse.Enabled || cfg.Kafka.Enabled || cfg.Archive.Enabled || cfg.Claims.Enabled {
		t.Error("optional sinks should be disabled by default")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no sources", func(c *Config) { c.Sources = nil }, true},
		{"empty path", func(c *Config) { c.Sources[0].Path = "" }, true},
		{"bad tool", func(c *Config) { c.Sources[0].Tool = "xdr" }, true},
		{"duplicate path", func(c *Config) { c.Sources[1].Path = c.Sources[0].Path }, true},
		{"zero debounce", func(c *Config) { c.Watcher.DebounceWindow = 0 }, true},
		{"zero poll", func(c *Config) { c.Watcher.PollInterval = 0 }, true},
		{"sentinel with separator", func(c *Config) { c.Watcher.SentinelName = "a/SDN" }, true},
		{"negative settle", func(c *Config) { c.Dispatch.SettleDelay = -time.Second }, true},
		{"zero write settle", func(c *Config) { c.Dispatch.WriteSettle = 0 }, false},
		{"missing edr url", func(c *Config) { c.EDR.BaseURL = "" }, true},
		{"missing siem url", func(c *Config) { c.SIEM.BaseURL = "" }, true},
		{"zero queue", func(c *Config) { c.Queue.Size = 0 }, true},
		{"zero workers", func(c *Config) { c.Consumer.Workers = 0 }, true},
		{"clickhouse without hosts", func(c *Config) {
			c.Storage.ClickHouse.Enabled = true
			c.Storage.ClickHouse.Hosts = nil
		}, true},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, true},
		{"disabled kafka ignored", func(c *Config) { c.Kafka.Brokers = nil }, false},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Bucket = ""
		}, true},
		{"claims unknown backend", func(c *Config) {
			c.Claims.Enabled = true
			c.Claims.Backend = "etcd"
		}, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
sources:
  - path: /var/edr/out
    tool: edr
  - path: /var/siem/out
    tool: siem
watcher:
  debounce_window: 30s
dispatch:
  write_settle: 0s
edr:
  base_url: https://edr.example.com
  org_id: org-1
siem:
  base_url: https://siem.example.com:8089
kafka:
  enabled: true
  brokers: [k1:9092, k2:9092]
logging:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[1].Tool != schema.ToolSIEM {
		t.Errorf("Sources = %+v", cfg.Sources)
	}
	if cfg.Watcher.DebounceWindow != 30*time.Second {
		t.Errorf("DebounceWindow = %v, want 30s", cfg.Watcher.DebounceWindow)
	}
	// Unset keys keep their defaults.
	if cfg.Watcher.SentinelName != "SDN" {
		t.Errorf("SentinelName = %q, want SDN", cfg.Watcher.SentinelName)
	}
	if cfg.Dispatch.WriteSettle != 0 {
		t.Errorf("WriteSettle = %v, want 0", cfg.Dispatch.WriteSettle)
	}
	if cfg.EDR.OrgID != "org-1" {
		t.Errorf("EDR.OrgID = %q, want org-1", cfg.EDR.OrgID)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.Kafka.Topic != "midsoc-outcomes" {
		t.Errorf("Kafka.Topic = %q, want default", cfg.Kafka.Topic)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(writeConfig(t, "sources: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFile(writeConfig(t, "logging:\n  level: info\n")); err == nil {
		t.Error("expected validation error without sources")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("MIDSOC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("MIDSOC_SOURCES", "/a:edr,/b:SIEM")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []SourceConfig{{"/a", schema.ToolEDR}, {"/b", schema.ToolSIEM}}
	if len(cfg.Sources) != len(want) {
		t.Fatalf("Sources = %+v, want %+v", cfg.Sources, want)
	}
	for i := range want {
		if cfg.Sources[i] != want[i] {
			t.Errorf("Sources[%d] = %+v, want %+v", i, cfg.Sources[i], want[i])
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIDSOC_LOG_LEVEL", "warn")
	t.Setenv("MIDSOC_PRODUCTION", "true")
	t.Setenv("MIDSOC_EDR_API_KEY", "secret-key")
	t.Setenv("MIDSOC_SIEM_TOKEN", "token")
	t.Setenv("MIDSOC_STORAGE_ENABLED", "true")
	t.Setenv("CLICKHOUSE_HOST", "ch1:9000, ch2:9000")
	t.Setenv("MIDSOC_KAFKA_BROKERS", "k1:9092")
	t.Setenv("MIDSOC_ARCHIVE_BUCKET", "artifacts")
	t.Setenv("MIDSOC_REDIS_ADDR", "redis:6379")

	cfg := validConfig()
	cfg.applyEnvOverrides()

	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if !cfg.Production {
		t.Error("Production = false, want true")
	}
	if cfg.EDR.APIKey != "secret-key" || cfg.SIEM.Token != "token" {
		t.Errorf("credentials not applied: edr=%q siem=%q", cfg.EDR.APIKey, cfg.SIEM.Token)
	}
	if !cfg.Storage.ClickHouse.Enabled || len(cfg.Storage.ClickHouse.Hosts) != 2 {
		t.Errorf("ClickHouse = %+v", cfg.Storage.ClickHouse)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "artifacts" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if !cfg.Claims.Enabled || cfg.Claims.Backend != claim.BackendRedis {
		t.Errorf("Claims = %+v", cfg.Claims)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{"a , b , c", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		got := splitAndTrim(tt.input, ",")
		if len(got) != len(tt.want) {
			t.Errorf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitAndTrim(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFile(configs/config.yaml) error = %v", err)
	}
	if len(cfg.Sources) != 2 {
		t.Errorf("len(Sources) = %d, want 2", len(cfg.Sources))
	}
	if cfg.Storage.Retention.OutcomesTTL != 90*24*time.Hour {
		t.Errorf("OutcomesTTL = %v, want 90 days", cfg.Storage.Retention.OutcomesTTL)
	}
	if cfg.Status.RateLimit.RequestsPerIP != 120 {
		t.Errorf("RequestsPerIP = %d, want 120", cfg.Status.RateLimit.RequestsPerIP)
	}
	if cfg.SIEM.Token != "file:siem_token" {
		t.Errorf("SIEM.Token = %q, want unresolved reference", cfg.SIEM.Token)
	}
	if cfg.Secrets.FileDir != "/run/secrets" {
		t.Errorf("Secrets.FileDir = %q, want /run/secrets", cfg.Secrets.FileDir)
	}
}

func TestCredentialRefs(t *testing.T) {
	cfg := DefaultConfig()
	refs := cfg.CredentialRefs()
	if len(refs) != 5 {
		t.Fatalf("len(CredentialRefs()) = %d, want 5", len(refs))
	}
	*refs["edr.api_key"] = "resolved"
	*refs["siem.token"] = "tok"
	if cfg.EDR.APIKey != "resolved" || cfg.SIEM.Token != "tok" {
		t.Errorf("CredentialRefs() pointers do not alias config fields")
	}
}
