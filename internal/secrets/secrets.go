// Package secrets resolves credential references found in the configuration.
//
// A configured credential is either a literal value or a reference of the
// form "env:NAME", "file:NAME" or "vault:PATH". References are resolved once
// at startup, before the EDR and SIEM adapters are constructed.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a provider has no value for a key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownProvider is returned for a reference naming a disabled or unknown provider.
	ErrUnknownProvider = errors.New("unknown secret provider")
)

// Provider names used as reference prefixes.
const (
	ProviderEnv   = "env"
	ProviderFile  = "file"
	ProviderVault = "vault"
)

// Secret is a resolved credential.
type Secret struct {
	Value     string
	Version   int
	ExpiresAt *time.Time
}

// Provider looks up secrets by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (*Secret, error)
	Close() error
}

// Config selects the providers available to references.
type Config struct {
	EnvPrefix string        `yaml:"env_prefix"`
	FileDir   string        `yaml:"file_dir"`
	Vault     VaultConfig   `yaml:"vault"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns env and file providers with Vault disabled.
func DefaultConfig() Config {
	return Config{
		EnvPrefix: "MIDSOC_",
		FileDir:   "/run/secrets",
		Vault:     VaultConfig{Timeout: 10 * time.Second},
		CacheTTL:  5 * time.Minute,
	}
}

// Validate checks the secrets configuration.
func (c Config) Validate() error {
	if c.CacheTTL < 0 {
		return errors.New("secrets.cache_ttl must not be negative")
	}
	if c.Vault.Enabled {
		if c.Vault.Address == "" {
			return errors.New("secrets.vault.address is required when vault is enabled")
		}
		if c.Vault.Token == "" {
			return errors.New("secrets.vault.token is required when vault is enabled")
		}
	}
	return nil
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// Manager routes references to their provider and caches results.
type Manager struct {
	providers map[string]Provider
	cacheTTL  time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedSecret
	now   func() time.Time
}

// NewManager builds the providers named by cfg.
func NewManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	providers := []Provider{
		NewEnvProvider(cfg.EnvPrefix),
	}
	if cfg.FileDir != "" {
		providers = append(providers, NewFileProvider(cfg.FileDir))
	}
	if cfg.Vault.Enabled {
		vp, err := NewVaultProvider(ctx, cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("vault provider: %w", err)
		}
		providers = append(providers, vp)
		logger.Info("vault secret provider initialized", "address", cfg.Vault.Address)
	}
	return NewManagerWithProviders(cfg.CacheTTL, logger, providers...), nil
}

// NewManagerWithProviders builds a manager over explicit providers.
func NewManagerWithProviders(cacheTTL time.Duration, logger *slog.Logger, providers ...Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		cacheTTL:  cacheTTL,
		logger:    logger,
		cache:     make(map[string]cachedSecret),
		now:       time.Now,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// ParseRef splits a reference into provider and key. Values without a known
// provider prefix are literals and come back with an empty provider.
func ParseRef(ref string) (provider, key string) {
	name, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", ref
	}
	switch name {
	case ProviderEnv, ProviderFile, ProviderVault:
		return name, rest
	}
	return "", ref
}

// Resolve returns the value a reference points to. Literals are returned as is.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	provider, key := ParseRef(ref)
	if provider == "" {
		return key, nil
	}
	if key == "" {
		return "", fmt.Errorf("empty key in secret reference %q", provider+":")
	}

	cacheKey := provider + ":" + key
	if s := m.fromCache(cacheKey); s != nil {
		return s.Value, nil
	}

	p, ok := m.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	s, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret %q: %w", provider, key, err)
	}

	m.mu.Lock()
	m.cache[cacheKey] = cachedSecret{secret: s, fetchedAt: m.now()}
	m.mu.Unlock()

	m.logger.Debug("secret resolved", "provider", provider, "key", key)
	return s.Value, nil
}

// ResolveInPlace replaces each referenced field with its resolved value.
// Empty fields are left alone.
func (m *Manager) ResolveInPlace(ctx context.Context, fields map[string]*string) error {
	for name, field := range fields {
		if field == nil || *field == "" {
			continue
		}
		v, err := m.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = v
	}
	return nil
}

func (m *Manager) fromCache(key string) *Secret {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cache[key]
	if !ok {
		return nil
	}
	now := m.now()
	if m.cacheTTL > 0 && now.Sub(c.fetchedAt) > m.cacheTTL {
		return nil
	}
	if c.secret.ExpiresAt != nil && now.After(*c.secret.ExpiresAt) {
		return nil
	}
	return c.secret
}

// ClearCache drops every cached value.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]cachedSecret)
	m.mu.Unlock()
}

// Close releases all providers.
func (m *Manager) Close() error {
	m.ClearCache()
	var errs []error
	for name, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
