// Package alert delivers failure notifications for aborted pipeline runs.
//
// A notification is a single JSON document:
//
//	{"message": "...", "data": [{"name": "...", "value": "..."}], "color": "red"}
//
// The webhook client retries 5xx responses with exponential backoff and
// rate-limits deliveries so a failing store cannot flood the channel.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultBackoff     = 1 * time.Second
	defaultMaxRetries  = 3
	defaultMinInterval = 1 * time.Minute
)

// ErrSuppressed is returned when an alert is dropped by the rate limiter
var ErrSuppressed = errors.New("alert suppressed by rate limit")

// Color is the severity color shown by the receiving channel
type Color string

const (
	ColorRed    Color = "red"
	ColorOrange Color = "orange"
	ColorGreen  Color = "green"
	ColorBlue   Color = "blue"
)

// IsValid checks if the color is one the receiver understands
func (c Color) IsValid() bool {
	switch c {
	case ColorRed, ColorOrange, ColorGreen, ColorBlue:
		return true
	}
	return false
}

// Field is one key-value line of an alert
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Alert is the notification payload
type Alert struct {
	Message string  `json:"message"`
	Data    []Field `json:"data,omitempty"`
	Color   Color   `json:"color"`
}

// Validate checks if the alert has valid field values
func (a *Alert) Validate() error {
	if a.Message == "" {
		return fmt.Errorf("message is required")
	}
	if !a.Color.IsValid() {
		return fmt.Errorf("invalid color: %s", a.Color)
	}
	return nil
}

// Reporter sends failure notifications
type Reporter interface {
	Send(ctx context.Context, a *Alert) error
}

// Config configures the failure reporter
type Config struct {
	// URL is the webhook endpoint; empty disables delivery
	URL string `yaml:"url"`
	// Environment is attached to every alert as an "environment" field
	Environment string `yaml:"environment"`
	// Timeout bounds each HTTP attempt
	Timeout time.Duration `yaml:"timeout"`
	// MinInterval is the minimum spacing between delivered alerts
	MinInterval time.Duration `yaml:"min_interval"`
	// MaxRetries is how many times a 5xx response is retried
	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns the default reporter configuration
func DefaultConfig() Config {
	return Config{
		Environment: "development",
		Timeout:     defaultTimeout,
		MinInterval: defaultMinInterval,
		MaxRetries:  defaultMaxRetries,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative (got %v)", c.Timeout)
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min_interval must be non-negative (got %v)", c.MinInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative (got %d)", c.MaxRetries)
	}
	return nil
}

// New returns a webhook reporter, or Noop when no URL is configured
func New(cfg Config, opts ...Option) Reporter {
	if cfg.URL == "" {
		return Noop{}
	}
	return NewWebhook(cfg, opts...)
}

// Noop logs alerts instead of delivering them
type Noop struct{}

// Send logs the alert
func (Noop) Send(_ context.Context, a *Alert) error {
	slog.Warn("alert not delivered (no webhook configured)", "message", a.Message, "color", a.Color)
	return nil
}

// Option configures a Webhook
type Option func(*Webhook)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.client = c }
}

// WithBackoff sets the delay before the first retry. Later retries double it.
func WithBackoff(d time.Duration) Option {
	return func(w *Webhook) { w.backoff = d }
}

// WithClock replaces the clock used for rate limiting and retry backoff
func WithClock(c quartz.Clock) Option {
	return func(w *Webhook) { w.clock = c }
}

// WithHeaders sets custom HTTP headers sent with every POST
func WithHeaders(h map[string]string) Option {
	return func(w *Webhook) { w.headers = h }
}

// Webhook POSTs alerts to an HTTP endpoint
type Webhook struct {
	client      *http.Client
	url         string
	environment string
	headers     map[string]string
	maxRetries  int
	backoff     time.Duration
	limiter     *rate.Limiter
	clock       quartz.Clock
}

// NewWebhook creates a webhook reporter targeting cfg.URL
func NewWebhook(cfg Config, opts ...Option) *Webhook {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	w := &Webhook{
		client:      &http.Client{Timeout: timeout},
		url:         cfg.URL,
		environment: cfg.Environment,
		maxRetries:  cfg.MaxRetries,
		backoff:     defaultBackoff,
		limiter:     rate.NewLimiter(limit, 1),
		clock:       quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send delivers the alert. Alerts arriving faster than the configured
// interval are dropped with ErrSuppressed.
func (w *Webhook) Send(ctx context.Context, a *Alert) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}
	if !w.limiter.AllowN(w.clock.Now(), 1) {
		slog.Warn("suppressing alert", "message", a.Message)
		return ErrSuppressed
	}

	payload := *a
	if w.environment != "" {
		payload.Data = append(append([]Field(nil), a.Data...), Field{Name: "environment", Value: w.environment})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return w.postWithRetry(ctx, body)
}

// postWithRetry sends the body via HTTP POST with retry on 5xx
func (w *Webhook) postWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			delay := w.backoff * time.Duration(1<<(attempt-1))
			timer := w.clock.NewTimer(delay, "alert", "backoff")
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build alert request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to post alert: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("alert webhook returned HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
		slog.Debug("retrying alert", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return lastErr
}
