// Package resilience wraps outbound HTTP calls to the tool APIs with retry
// and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"midsoc/internal/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Config holds retry and breaker settings for one endpoint.
type Config struct {
	Timeout         time.Duration `yaml:"timeout"`
	BreakerEnabled  bool          `yaml:"breaker_enabled"`
	MaxFailures     uint32        `yaml:"max_failures"`
	OpenTimeout     time.Duration `yaml:"open_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultConfig returns default values.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		BreakerEnabled:  true,
		MaxFailures:     5,
		OpenTimeout:     30 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Client executes requests with retry inside a circuit breaker.
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	logger  *slog.Logger
}

// New creates a Client for the named endpoint.
func New(name string, cfg Config, logger *slog.Logger) *Client {
	return NewWithHTTPClient(name, cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewWithHTTPClient creates a Client around an existing http.Client.
func NewWithHTTPClient(name string, cfg Config, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:   name,
		http:   hc,
		cfg:    cfg,
		logger: logger,
	}

	if cfg.BreakerEnabled {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			// A rejected request means the tool is up.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				return err == nil || (errors.As(err, &se) && !se.Temporary())
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					"endpoint", name,
					"from", from.String(),
					"to", to.String(),
				)
				metrics.SetBreakerState(name, int(to))
			},
		})
	}

	return c
}

// Do sends req. A nil error means a response with status < 400 whose body
// the caller must close. Only idempotent methods are retried; anything else
// gets a single attempt since the tool may have acted on a failed one.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.doWithRetry(req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// State returns the breaker state name, "disabled" without a breaker.
func (c *Client) State() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.cfg.InitialInterval
	expBackoff.MaxInterval = c.cfg.MaxInterval
	expBackoff.MaxElapsedTime = 0

	var policy backoff.BackOff = expBackoff
	if c.cfg.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(expBackoff, uint64(c.cfg.MaxRetries))
	}
	if !Idempotent(req.Method) {
		policy = &backoff.StopBackOff{}
	}
	policy = backoff.WithContext(policy, req.Context())

	var resp *http.Response
	attempt := 0
	operation := func() error {
		attempt++
		r := req
		if attempt > 1 && req.Body != nil {
			if req.GetBody == nil {
				return backoff.Permanent(errors.New("request body cannot be replayed"))
			}
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to rewind request body: %w", err))
			}
			r = req.Clone(req.Context())
			r.Body = body
		}

		res, err := c.http.Do(r)
		if err != nil {
			if req.Context().Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		if res.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			res.Body.Close()
			se := &StatusError{Code: res.StatusCode, Body: string(body)}
			if se.Temporary() {
				return se
			}
			return backoff.Permanent(se)
		}

		resp = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			"endpoint", c.name,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// Idempotent reports whether a request with method may be sent again after
// a failure without repeating its effect.
func Idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Ping sends a GET to url and discards the body.
func (c *Client) Ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
