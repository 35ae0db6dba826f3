// Package siem is the HTTP adapter for the SIEM's ingestion and saved
// search API.
package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"midsoc/internal/logging"
	"midsoc/internal/resilience"
	"midsoc/internal/schema"
)

// Job dispatch states.
const (
	StateQueued  = "QUEUED"
	StateRunning = "RUNNING"
	StateDone    = "DONE"
	StateFailed  = "FAILED"
)

// ErrJobFailed is returned when a report job ends in a failed state.
var ErrJobFailed = errors.New("search job failed")

// Config holds SIEM API settings.
type Config struct {
	BaseURL      string            `yaml:"base_url"`
	Token        string            `yaml:"token"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	JobTimeout   time.Duration     `yaml:"job_timeout"`
	Resilience   resilience.Config `yaml:"resilience"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:8089",
		PollInterval: time.Second,
		JobTimeout:   5 * time.Minute,
		Resilience:   resilience.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("siem base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid siem base_url: %w", err)
	}
	if c.PollInterval <= 0 {
		return errors.New("siem poll_interval must be positive")
	}
	return nil
}

// Client uploads logs and runs saved reports.
type Client struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	jobTimeout   time.Duration
	http         *resilience.Client
	logger       *slog.Logger
}

// NewClient creates a new SIEM client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("siem adapter configured",
		"base_url", cfg.BaseURL,
		"token", logging.MaskAPIKey(cfg.Token),
	)
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		pollInterval: cfg.PollInterval,
		jobTimeout:   cfg.JobTimeout,
		http:         resilience.New("siem", cfg.Resilience, logger),
		logger:       logger,
	}
}

// IndexFor returns the index a tool's logs are stored in.
func IndexFor(source schema.Tool) string {
	return string(source) + "_index"
}

// SourcetypeFor returns the sourcetype for a log format.
func SourcetypeFor(format string) string {
	return "_" + format
}

// Job is the status of a dispatched search.
type Job struct {
	SID           string `json:"sid"`
	DispatchState string `json:"dispatchState"`
	IsDone        bool   `json:"isDone"`
	IsFailed      bool   `json:"isFailed"`
	ResultCount   int    `json:"resultCount"`
}

// LogManagement uploads the file at path into the source tool's index.
// With sinkhole set the local file is removed after a successful upload.
func (c *Client) LogManagement(ctx context.Context, path, format string, source schema.Tool, sinkhole bool) (bool, error) {
	body, contentType, err := multipartFile(path)
	if err != nil {
		return false, err
	}

	q := url.Values{}
	q.Set("index", IndexFor(source))
	q.Set("sourcetype", SourcetypeFor(format))

	resp, err := c.doRequest(ctx, http.MethodPost, "/services/receivers/upload?"+q.Encode(), contentType, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.logger.Debug("log uploaded",
		"file", filepath.Base(path),
		"index", IndexFor(source),
		"bytes", len(body),
	)

	if sinkhole {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove uploaded log", "file", filepath.Base(path), "error", err)
		}
	}
	return true, nil
}

// RunReport dispatches the named saved search and waits for the job to
// finish.
func (c *Client) RunReport(ctx context.Context, name string, triggerActions bool) (bool, error) {
	form := url.Values{}
	if triggerActions {
		form.Set("trigger_actions", "1")
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		"/services/saved/searches/"+url.PathEscape(name)+"/dispatch",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("dispatch report %s: %w", name, err)
	}
	defer resp.Body.Close()

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return false, fmt.Errorf("failed to decode dispatch response: %w", err)
	}
	if job.SID == "" {
		return false, fmt.Errorf("dispatch report %s: empty job sid", name)
	}

	c.logger.Info("report dispatched", "report", name, "job", job.SID)

	final, err := c.waitJob(ctx, job.SID)
	if err != nil {
		if errors.Is(err, ErrJobFailed) {
			c.logger.Warn("report job failed", "report", name, "job", job.SID)
			return false, nil
		}
		return false, err
	}

	c.logger.Info("report finished", "report", name, "job", job.SID, "results", final.ResultCount)
	return true, nil
}

// GetJob fetches the status of a search job.
func (c *Client) GetJob(ctx context.Context, sid string) (*Job, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/services/search/jobs/"+url.PathEscape(sid), "", nil)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", sid, err)
	}
	defer resp.Body.Close()

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (c *Client) waitJob(ctx context.Context, sid string) (*Job, error) {
	if c.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.jobTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, sid)
		if err != nil {
			return nil, err
		}
		if job.IsFailed || job.DispatchState == StateFailed {
			return job, fmt.Errorf("job %s: %w", sid, ErrJobFailed)
		}
		if job.IsDone || job.DispatchState == StateDone {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for job %s: %w", sid, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.http.Do(req)
}

// multipartFile buffers the file so retries can replay the body.
func multipartFile(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read log: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
