package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment provider. Keys are tried with the
// prefix first and then verbatim.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string { return ProviderEnv }

// Get returns the variable named by key.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	name := normalizeEnvKey(key)
	if e.prefix != "" && !strings.HasPrefix(name, e.prefix) {
		if v, ok := e.lookup(e.prefix + name); ok && v != "" {
			return &Secret{Value: v, Version: 1}, nil
		}
	}
	if v, ok := e.lookup(name); ok && v != "" {
		return &Secret{Value: v, Version: 1}, nil
	}
	return nil, ErrSecretNotFound
}

// Close is a no-op.
func (e *EnvProvider) Close() error { return nil }

// normalizeEnvKey turns "edr.api-key" into "EDR_API_KEY".
func normalizeEnvKey(key string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(key))
}
