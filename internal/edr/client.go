// Package edr is the HTTP adapter for the endpoint tool's sensor tasking API.
package edr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"midsoc/internal/logging"
	"midsoc/internal/resilience"
)

// Sensor commands.
const (
	CommandFileDelete  = "file_del"
	CommandKillProcess = "os_kill_process"
)

// ErrSensorOffline is reported when the sensor cannot receive tasks.
var ErrSensorOffline = errors.New("sensor is offline")

// Config holds EDR API settings.
type Config struct {
	BaseURL     string            `yaml:"base_url"`
	OrgID       string            `yaml:"org_id"`
	APIKey      string            `yaml:"api_key"`
	CheckOnline bool              `yaml:"check_online"`
	Resilience  resilience.Config `yaml:"resilience"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8443",
		CheckOnline: true,
		Resilience:  resilience.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("edr base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid edr base_url: %w", err)
	}
	return nil
}

// Client tasks sensors through the EDR API.
type Client struct {
	baseURL     string
	orgID       string
	apiKey      string
	checkOnline bool
	http        *resilience.Client
	logger      *slog.Logger
}

// NewClient creates a new EDR client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("edr adapter configured",
		"base_url", cfg.BaseURL,
		"org_id", cfg.OrgID,
		"api_key", logging.MaskAPIKey(cfg.APIKey),
	)
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		orgID:       cfg.OrgID,
		apiKey:      cfg.APIKey,
		checkOnline: cfg.CheckOnline,
		http:        resilience.New("edr", cfg.Resilience, logger),
		logger:      logger,
	}
}

// Task is a command sent to one sensor.
type Task struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args"`
}

// TaskResponse is the API's answer to a task.
type TaskResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Sensor is the subset of sensor metadata the adapter needs.
type Sensor struct {
	SID      string `json:"sid"`
	Hostname string `json:"hostname"`
	Online   bool   `json:"online"`
}

// DeleteFile tasks the sensor to delete path.
func (c *Client) DeleteFile(ctx context.Context, sid, path string) (bool, error) {
	return c.task(ctx, sid, Task{
		Command: CommandFileDelete,
		Args:    map[string]string{"file_path": path},
	})
}

// KillProcess tasks the sensor to kill pid.
func (c *Client) KillProcess(ctx context.Context, sid, pid string) (bool, error) {
	return c.task(ctx, sid, Task{
		Command: CommandKillProcess,
		Args:    map[string]string{"pid": pid},
	})
}

// GetSensor fetches sensor metadata.
func (c *Client) GetSensor(ctx context.Context, sid string) (*Sensor, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.sensorPath(sid), nil)
	if err != nil {
		return nil, fmt.Errorf("get sensor %s: %w", sid, err)
	}
	defer resp.Body.Close()

	var s Sensor
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode sensor: %w", err)
	}
	return &s, nil
}

func (c *Client) task(ctx context.Context, sid string, t Task) (bool, error) {
	if c.checkOnline {
		s, err := c.GetSensor(ctx, sid)
		if err != nil {
			return false, err
		}
		if !s.Online {
			c.logger.Warn("sensor offline, task not sent", "sid", sid, "command", t.Command)
			return false, nil
		}
	}

	body, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("failed to encode task: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.sensorPath(sid)+"/tasks", bytes.NewReader(body))
	if err != nil {
		var se *resilience.StatusError
		if errors.As(err, &se) && strings.Contains(se.Body, ErrSensorOffline.Error()) {
			c.logger.Warn("sensor offline", "sid", sid, "command", t.Command)
			return false, nil
		}
		return false, fmt.Errorf("task %s: %w", t.Command, err)
	}
	defer resp.Body.Close()

	var tr TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to decode task response: %w", err)
	}
	if strings.Contains(tr.Error, ErrSensorOffline.Error()) || tr.Status == "offline" {
		c.logger.Warn("sensor offline", "sid", sid, "command", t.Command)
		return false, nil
	}
	if tr.Error != "" {
		return false, fmt.Errorf("task %s: %s", t.Command, tr.Error)
	}

	c.logger.Debug("sensor tasked", "sid", sid, "command", t.Command, "task_id", tr.ID)
	return true, nil
}

func (c *Client) sensorPath(sid string) string {
	return "/api/v1/sensors/" + url.PathEscape(sid)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.orgID != "" {
		req.Header.Set("X-Org-ID", c.orgID)
	}

	return c.http.Do(req)
}
