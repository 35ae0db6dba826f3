package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from files under a directory, one value per
// file, as mounted by Docker or Kubernetes.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Name returns the provider name.
func (f *FileProvider) Name() string { return ProviderFile }

// Get reads the file for key. Trailing newlines are trimmed.
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return nil, ErrSecretNotFound
	}
	return &Secret{Value: value, Version: 1}, nil
}

// Close is a no-op.
func (f *FileProvider) Close() error { return nil }

// path maps "siem/token" to <dir>/siem_token and refuses traversal.
func (f *FileProvider) path(key string) (string, error) {
	name := strings.ReplaceAll(key, "/", "_")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	return filepath.Join(f.dir, name), nil
}
