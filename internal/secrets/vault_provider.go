package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig configures read access to a Vault KV v2 mount.
type VaultConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Token   string        `yaml:"token"`
	Mount   string        `yaml:"mount"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultProvider reads secrets from Vault's KV v2 HTTP API.
type VaultProvider struct {
	address string
	token   string
	mount   string
	client  *http.Client
}

// NewVaultProvider creates a provider and checks that Vault is reachable.
func NewVaultProvider(ctx context.Context, cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	vp := &VaultProvider{
		address: strings.TrimSuffix(cfg.Address, "/"),
		token:   cfg.Token,
		mount:   mount,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := vp.healthCheck(hctx); err != nil {
		return nil, err
	}
	return vp, nil
}

// Name returns the provider name.
func (v *VaultProvider) Name() string { return ProviderVault }

// Get reads key from the mount. A key of the form "path#field" selects a
// field; otherwise the "value" field is used.
func (v *VaultProvider) Get(ctx context.Context, key string) (*Secret, error) {
	path, field, _ := strings.Cut(key, "#")
	if field == "" {
		field = "value"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimPrefix(path, "/")), nil)
	if err != nil {
		return nil, fmt.Errorf("create vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSecretNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out vaultReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	value, ok := out.Data.Data[field].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: field %q", ErrSecretNotFound, field)
	}
	return &Secret{Value: value, Version: out.Data.Metadata.Version}, nil
}

// Close drops idle connections.
func (v *VaultProvider) Close() error {
	v.client.CloseIdleConnections()
	return nil
}

func (v *VaultProvider) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	defer resp.Body.Close()

	// 429 is an unsealed standby, 472 and 473 are replication and perf standbys.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests, 472, 473:
		return nil
	}
	return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
}

type vaultReadResponse struct {
	Data struct {
		Data     map[string]any `json:"data"`
		Metadata struct {
			Version int `json:"version"`
		} `json:"metadata"`
	} `json:"data"`
}
