package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the outcome tables.
type RetentionConfig struct {
	OutcomesTTL   time.Duration `yaml:"outcomes_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig matches the TTLs created by the migrations.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		OutcomesTTL:   90 * 24 * time.Hour,
		QuarantineTTL: 30 * 24 * time.Hour,
	}
}

// RetentionManager applies data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: config, logger: logger}
}

// ApplyTTLs updates table TTLs to the configured retention periods. It is
// run after migrations.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, q := range ttlStatements(r.config) {
		if err := r.client.Exec(ctx, q.query); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", q.table, "ttl_days", q.days, "error", err)
			continue
		}
		r.logger.Info("applied retention policy", "table", q.table, "ttl_days", q.days)
	}
	return nil
}

type ttlStatement struct {
	table string
	days  int
	query string
}

func ttlStatements(cfg RetentionConfig) []ttlStatement {
	policies := []struct {
		table  string
		column string
		ttl    time.Duration
	}{
		{outcomesTable, "started_at", cfg.OutcomesTTL},
		{"outcomes_quarantine", "quarantined_at", cfg.QuarantineTTL},
	}

	var out []ttlStatement
	for _, p := range policies {
		if p.ttl <= 0 {
			continue
		}
		days := max(int(p.ttl.Hours()/24), 1)
		out = append(out, ttlStatement{
			table: p.table,
			days:  days,
			query: fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
				sanitizeTableName(p.table), p.column, days),
		})
	}
	return out
}

// sanitizeTableName ensures table name contains only safe characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
