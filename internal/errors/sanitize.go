// Package errors strips sensitive detail from error text before it leaves the
// process in an outcome record.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IPv4 addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match credentials embedded in error text
	credentialPattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key)=\S+`)
)

var productionMode atomic.Bool

// SetProductionMode enables sanitization. Called once during startup.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProduction returns true if running in production mode.
func IsProduction() bool {
	return productionMode.Load()
}

// SanitizeError returns err unchanged in development mode and a sanitized
// copy in production mode.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !IsProduction() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString removes absolute paths, IP addresses and credentials from s
// when production mode is on.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	s = credentialPattern.ReplaceAllString(s, "$1=[REDACTED]")

	// Keep only the file name of absolute paths
	s = filePathPattern.ReplaceAllStringFunc(s, baseName)

	// Keep the first two octets for context
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error"
	}

	return s
}

func baseName(p string) string {
	if i := strings.LastIndex(p, `\`); i >= 0 {
		return p[i+1:]
	}
	return filepath.Base(p)
}

// WrapSanitized wraps an error with additional context and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}
