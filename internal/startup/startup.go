// Package startup runs preflight diagnostics before the watchers start.
package startup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"midsoc/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a TCP connection. Tests replace it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg        *config.Config
	configPath string
	dial       DialFunc
	results    []DiagnosticResult
	logger     *slog.Logger
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	path := os.Getenv("MIDSOC_CONFIG_PATH")
	if path == "" {
		path = config.DefaultPath
	}
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	return &Diagnostics{
		cfg:        cfg,
		configPath: path,
		dial:       dialer.DialContext,
		logger:     logger,
	}
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkSources()
	d.checkEndpoints()
	d.checkStatusPort()
	d.checkModules()
	d.checkConnectivity(ctx)

	d.printSummary()

	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if _, err := os.Stat(d.configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

// checkSources verifies each watched directory exists and is writable,
// since consumed artifacts are deleted from it. A sentinel left over from
// a previous run would stop the watcher on its first poll.
func (d *Diagnostics) checkSources() {
	for _, src := range d.cfg.Sources {
		name := fmt.Sprintf("source_%s", src.Tool)
		details := map[string]string{"path": src.Path}

		info, err := os.Stat(src.Path)
		switch {
		case err != nil:
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Source directory unavailable: %s", err),
				Details: details,
			})
			continue
		case !info.IsDir():
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: "Path exists but is not a directory",
				Details: details,
			})
			continue
		}

		if err := probeWritable(src.Path); err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: "Directory is not writable, consumed artifacts cannot be removed",
				Details: details,
			})
			continue
		}

		if fileExists(filepath.Join(src.Path, d.cfg.Watcher.SentinelName)) {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: "Shutdown sentinel already present, watcher will stop immediately",
				Details: details,
			})
			continue
		}

		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: "Source directory ready",
			Details: details,
		})
	}
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".midsoc-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (d *Diagnostics) checkEndpoints() {
	endpoints := []struct {
		name       string
		baseURL    string
		credential string
	}{
		{"edr", d.cfg.EDR.BaseURL, d.cfg.EDR.APIKey},
		{"siem", d.cfg.SIEM.BaseURL, d.cfg.SIEM.Token},
	}

	for _, ep := range endpoints {
		name := fmt.Sprintf("endpoint_%s", ep.name)
		u, err := url.Parse(ep.baseURL)
		if err != nil || u.Host == "" {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: "Invalid base URL",
				Details: map[string]string{"base_url": ep.baseURL},
			})
			continue
		}

		switch {
		case ep.credential == "":
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: "No credential configured",
				Details: map[string]string{"host": u.Host},
			})
		case u.Scheme != "https":
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: "Credential is sent WITHOUT TLS",
				Details: map[string]string{"host": u.Host, "recommendation": "Use an https base_url"},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusOK,
				Message: "Endpoint configured",
				Details: map[string]string{"host": u.Host},
			})
		}
	}
}

func (d *Diagnostics) checkStatusPort() {
	addr := d.cfg.Status.Addr
	if addr == "" {
		d.addResult(DiagnosticResult{
			Name:    "port_status",
			Status:  StatusSkipped,
			Message: "Status server disabled",
		})
		return
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_status",
			Status:  StatusError,
			Message: fmt.Sprintf("Address %s is not available: %s", addr, err),
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_status",
		Status:  StatusOK,
		Message: fmt.Sprintf("Address %s is available", addr),
	})
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"status_server", d.cfg.Status.Addr != ""},
		{"clickhouse", d.cfg.Storage.ClickHouse.Enabled},
		{"kafka", d.cfg.Kafka.Enabled},
		{"archive", d.cfg.Archive.Enabled},
		{"claims", d.cfg.Claims.Enabled},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    fmt.Sprintf("module_%s", m.name),
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

// checkConnectivity dials the first host of each enabled backend.
func (d *Diagnostics) checkConnectivity(ctx context.Context) {
	var targets []struct{ name, host string }
	if d.cfg.Storage.ClickHouse.Enabled && len(d.cfg.Storage.ClickHouse.Hosts) > 0 {
		targets = append(targets, struct{ name, host string }{"clickhouse", d.cfg.Storage.ClickHouse.Hosts[0]})
	}
	if d.cfg.Kafka.Enabled && len(d.cfg.Kafka.Brokers) > 0 {
		targets = append(targets, struct{ name, host string }{"kafka", d.cfg.Kafka.Brokers[0]})
	}
	if d.cfg.Claims.Enabled && d.cfg.Claims.Backend == "redis" {
		targets = append(targets, struct{ name, host string }{"redis", d.cfg.Claims.Addr})
	}

	for _, t := range targets {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := d.dial(checkCtx, "tcp", t.host)
		cancel()

		name := fmt.Sprintf("%s_connectivity", t.name)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot connect: %s", err),
				Details: map[string]string{"host": t.host},
			})
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: "Reachable",
			Details: map[string]string{"host": t.host},
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// PrintBanner prints the startup banner
func PrintBanner(version string) {
	FprintBanner(os.Stdout, version)
}

// FprintBanner writes the startup banner to w.
func FprintBanner(w io.Writer, version string) {
	banner := `
  ┌───────────────────────────────────────────┐
  │  midsoc                                   │
  │  EDR / SIEM orchestration middleware      │
  └───────────────────────────────────────────┘`
	fmt.Fprintln(w, strings.TrimPrefix(banner, "\n"))
	fmt.Fprintf(w, "  Version: %s\n\n", version)
}
