// Package config handles configuration loading for midsoc.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"midsoc/internal/api/status"
	"midsoc/internal/claim"
	"midsoc/internal/consumer"
	"midsoc/internal/dispatch"
	"midsoc/internal/edr"
	"midsoc/internal/kafka"
	"midsoc/internal/logging"
	"midsoc/internal/queue"
	"midsoc/internal/schema"
	"midsoc/internal/secrets"
	"midsoc/internal/siem"
	"midsoc/internal/storage"
	"midsoc/internal/storage/s3"
)

// DefaultPath is used when MIDSOC_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Sources  []SourceConfig  `yaml:"sources"`
	Watcher  WatcherConfig   `yaml:"watcher"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	EDR      edr.Config      `yaml:"edr"`
	SIEM     siem.Config     `yaml:"siem"`
	Queue    QueueConfig     `yaml:"queue"`
	Consumer consumer.Config `yaml:"consumer"`
	Storage  StorageConfig   `yaml:"storage"`
	Archive  s3.Config       `yaml:"archive"`
	Kafka    kafka.Config    `yaml:"kafka"`
	Claims   claim.Config    `yaml:"claims"`
	Status   status.Config   `yaml:"status"`
	Secrets  secrets.Config  `yaml:"secrets"`
	Logging  logging.Config  `yaml:"logging"`

	// Production enables error sanitization on outcomes leaving the process.
	Production bool `yaml:"production"`
}

// SourceConfig names one watched directory and the tool writing into it.
type SourceConfig struct {
	Path string      `yaml:"path"`
	Tool schema.Tool `yaml:"tool"`
}

// WatcherConfig holds settings shared by all source watchers.
type WatcherConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SentinelName   string        `yaml:"sentinel_name"`
}

// DispatchConfig holds dispatch unit timing.
type DispatchConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
	WriteSettle time.Duration `yaml:"write_settle"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Dispatcher converts the section into dispatcher settings.
func (c DispatchConfig) Dispatcher() dispatch.Config {
	return dispatch.Config{
		SettleDelay: c.SettleDelay,
		CallTimeout: c.CallTimeout,
	}
}

// QueueConfig holds outcome queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// StorageConfig holds the ClickHouse outcome ledger settings.
type StorageConfig struct {
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dc := dispatch.DefaultConfig()
	return &Config{
		Watcher: WatcherConfig{
			DebounceWindow: 60 * time.Second,
			PollInterval:   time.Second,
			SentinelName:   "SDN",
		},
		Dispatch: DispatchConfig{
			SettleDelay: dc.SettleDelay,
			WriteSettle: 2 * time.Second,
			CallTimeout: dc.CallTimeout,
		},
		EDR:      edr.DefaultConfig(),
		SIEM:     siem.DefaultConfig(),
		Queue:    QueueConfig{Size: queue.DefaultSize},
		Consumer: consumer.DefaultConfig(),
		Storage: StorageConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
		},
		Archive: s3.DefaultConfig(),
		Kafka:   kafka.DefaultConfig(),
		Claims:  claim.DefaultConfig(),
		Status:  status.DefaultConfig(),
		Secrets: secrets.DefaultConfig(),
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file named by MIDSOC_CONFIG_PATH (or DefaultPath),
// applies environment overrides and validates the result. A missing file
// means defaults.
func Load() (*Config, error) {
	path := os.Getenv("MIDSOC_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("MIDSOC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("MIDSOC_PRODUCTION"); v != "" {
		c.Production, _ = strconv.ParseBool(v)
	}

	// MIDSOC_SOURCES=/data/edr:edr,/data/siem:siem replaces the source list.
	if v := os.Getenv("MIDSOC_SOURCES"); v != "" {
		c.Sources = parseSources(v)
	}

	if v := os.Getenv("MIDSOC_EDR_URL"); v != "" {
		c.EDR.BaseURL = v
	}
	if v := os.Getenv("MIDSOC_EDR_ORG_ID"); v != "" {
		c.EDR.OrgID = v
	}
	if v := os.Getenv("MIDSOC_EDR_API_KEY"); v != "" {
		c.EDR.APIKey = v
	}
	if v := os.Getenv("MIDSOC_SIEM_URL"); v != "" {
		c.SIEM.BaseURL = v
	}
	if v := os.Getenv("MIDSOC_SIEM_TOKEN"); v != "" {
		c.SIEM.Token = v
	}

	if v := os.Getenv("MIDSOC_STATUS_ADDR"); v != "" {
		c.Status.Addr = v
	}

	if enabled := os.Getenv("MIDSOC_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.ClickHouse.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("MIDSOC_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if bucket := os.Getenv("MIDSOC_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}

	if addr := os.Getenv("MIDSOC_REDIS_ADDR"); addr != "" {
		c.Claims.Addr = addr
		c.Claims.Backend = claim.BackendRedis
		c.Claims.Enabled = true
	}
	if pass := os.Getenv("MIDSOC_REDIS_PASSWORD"); pass != "" {
		c.Claims.Password = pass
	}

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		c.Secrets.Vault.Address = addr
		c.Secrets.Vault.Enabled = true
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.Secrets.Vault.Token = token
	}
}

// CredentialRefs returns the credential fields that may hold secret
// references, keyed by their config path.
func (c *Config) CredentialRefs() map[string]*string {
	return map[string]*string{
		"edr.api_key":                 &c.EDR.APIKey,
		"siem.token":                  &c.SIEM.Token,
		"storage.clickhouse.password": &c.Storage.ClickHouse.Password,
		"archive.secret_access_key":   &c.Archive.SecretAccessKey,
		"claims.password":             &c.Claims.Password,
	}
}

func parseSources(s string) []SourceConfig {
	var sources []SourceConfig
	for _, part := range splitAndTrim(s, ",") {
		i := strings.LastIndex(part, ":")
		if i <= 0 {
			sources = append(sources, SourceConfig{Path: part})
			continue
		}
		sources = append(sources, SourceConfig{
			Path: part[:i],
			Tool: schema.Tool(strings.ToLower(part[i+1:])),
		})
	}
	return sources
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Path == "" {
			return fmt.Errorf("sources[%d]: path is required", i)
		}
		if !src.Tool.IsValid() {
			return fmt.Errorf("sources[%d]: invalid tool %q", i, src.Tool)
		}
		if seen[src.Path] {
			return fmt.Errorf("sources[%d]: duplicate path %s", i, src.Path)
		}
		seen[src.Path] = true
	}

	if c.Watcher.DebounceWindow <= 0 {
		return errors.New("watcher.debounce_window must be positive")
	}
	if c.Watcher.PollInterval <= 0 {
		return errors.New("watcher.poll_interval must be positive")
	}
	if c.Watcher.SentinelName == "" || strings.ContainsRune(c.Watcher.SentinelName, os.PathSeparator) {
		return fmt.Errorf("invalid watcher.sentinel_name: %q", c.Watcher.SentinelName)
	}
	if c.Dispatch.SettleDelay < 0 || c.Dispatch.WriteSettle < 0 || c.Dispatch.CallTimeout < 0 {
		return errors.New("dispatch durations must not be negative")
	}

	if err := c.EDR.Validate(); err != nil {
		return err
	}
	if err := c.SIEM.Validate(); err != nil {
		return err
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Status.RateLimit.Enabled && c.Status.RateLimit.WindowSize <= 0 {
		return errors.New("status.rate_limit.window_size must be positive")
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer workers must be positive")
	}
	if c.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer batch_size must be positive")
	}

	if c.Storage.ClickHouse.Enabled {
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			return errors.New("storage.clickhouse.hosts is required")
		}
		if c.Storage.BatchWriter.BatchSize <= 0 {
			return errors.New("storage.batch_writer.batch_size must be positive")
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if c.Claims.Enabled {
		if err := c.Claims.Validate(); err != nil {
			return err
		}
	}
	if err := c.Secrets.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}
