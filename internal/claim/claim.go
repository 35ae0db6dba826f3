// Package claim coordinates several midsoc instances watching the same
// shared directory, so each artifact is processed by exactly one of them.
package claim

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"midsoc/internal/schema"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds claim store settings.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DefaultConfig returns the default claim configuration.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendMemory,
		Addr:         "localhost:6379",
		KeyPrefix:    "midsoc:claim:",
		TTL:          10 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Addr == "" {
			return errors.New("claims: redis addr is required")
		}
	default:
		return fmt.Errorf("claims: unknown backend %q", c.Backend)
	}
	if c.TTL <= 0 {
		return errors.New("claims: ttl must be positive")
	}
	return nil
}

// Store claims artifacts. Claim reports whether the caller won the
// artifact; Release gives it up if the caller still holds it.
type Store interface {
	Claim(ctx context.Context, artifact schema.RawArtifact) (bool, error)
	Release(ctx context.Context, artifact schema.RawArtifact) error
	Close() error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendRedis {
		return NewRedisStore(ctx, cfg, logger)
	}
	return NewMemoryStore(cfg.TTL), nil
}

// Owner identifies this process in claim values.
func Owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

func claimKey(prefix string, a schema.RawArtifact) string {
	return prefix + string(a.Producer) + ":" + a.Path
}

type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Close() error
}

// releaseScript deletes the key only if it still holds our owner value.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisStore claims artifacts with SET NX and a TTL.
type RedisStore struct {
	client redisAPI
	prefix string
	ttl    time.Duration
	owner  string
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := newRedisStore(client, cfg)
	logger.Info("claim store connected", "addr", cfg.Addr, "owner", s.owner, "ttl", cfg.TTL)
	s.logger = logger
	return s, nil
}

func newRedisStore(client redisAPI, cfg Config) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		owner:  Owner(),
		logger: slog.Default(),
	}
}

// Claim sets the artifact's key if nobody holds it.
func (s *RedisStore) Claim(ctx context.Context, a schema.RawArtifact) (bool, error) {
	ok, err := s.client.SetNX(ctx, claimKey(s.prefix, a), s.owner, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", a.Path, err)
	}
	if !ok {
		s.logger.Debug("artifact claimed elsewhere", "path", a.Path)
	}
	return ok, nil
}

// Release drops the claim if this process still owns it.
func (s *RedisStore) Release(ctx context.Context, a schema.RawArtifact) error {
	if err := s.client.Eval(ctx, releaseScript, []string{claimKey(s.prefix, a)}, s.owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", a.Path, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a MemoryStore whose claims expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claim records the artifact unless an unexpired claim exists.
func (s *MemoryStore) Claim(_ context.Context, a schema.RawArtifact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.claims {
		if !now.Before(exp) {
			delete(s.claims, k)
		}
	}

	key := claimKey("", a)
	if _, held := s.claims[key]; held {
		return false, nil
	}
	s.claims[key] = now.Add(s.ttl)
	return true, nil
}

// Release removes the claim.
func (s *MemoryStore) Release(_ context.Context, a schema.RawArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, claimKey("", a))
	return nil
}

// Len returns the number of claims held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

func (s *MemoryStore) Close() error { return nil }
