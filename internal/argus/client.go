// Package argus is the client for the external operator-status API. The
// upstream is flaky; calls carry a timeout, retry transient failures with a
// linear per-attempt delay, and latch off entirely once the credentials are
// rejected so a revoked token is not hammered.
package argus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status is one operator's state as reported by the upstream.
type Status struct {
	Description     string    `json:"description"`
	DurationSeconds int       `json:"seconds_in_status"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// envelope is the upstream wire format. Code 0 means success; any other
// code is a valid "no data" answer, not an error.
type envelope struct {
	Code    int     `json:"code"`
	Message string  `json:"message"`
	Data    *Status `json:"data"`
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Token    string
	Attempts int           // per-call retry bound (default 3)
	Timeout  time.Duration // per-request timeout (default 8s)

	// RetryDelay is multiplied by the attempt number between retries.
	// Default 500ms.
	RetryDelay time.Duration
}

// Client calls the Argus status API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	authFailed atomic.Bool

	retries     prometheus.Counter
	authLatched prometheus.Gauge
}

// New creates a Client. A nil registerer uses a throwaway registry.
func New(cfg Config, reg prometheus.Registerer) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsdeck_argus_retries_total",
			Help: "Retried Argus request attempts.",
		}),
		authLatched: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsdeck_argus_auth_latched",
			Help: "1 while Argus calls are disabled after a 403.",
		}),
	}
}

// errTransient marks failures worth retrying within the same call.
var errTransient = errors.New("transient upstream failure")

// FetchStatus returns the upstream status for one operator identifier, or
// nil when the upstream has no data for it. A nil error with a nil status is
// a normal outcome (unknown identifier, latched auth); a non-nil error means
// every attempt failed transiently and the refresh as a whole should count
// it against the backoff.
func (c *Client) FetchStatus(ctx context.Context, identifier string) (*Status, error) {
	if c.AuthLatched() {
		return nil, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			c.retries.Inc()
			// Linear per-attempt delay, distinct from the scheduler's
			// exponential across-ticks backoff.
			select {
			case <-time.After(time.Duration(attempt-1) * c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		status, err := c.fetchOnce(ctx, identifier)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, errTransient) {
			// Terminal outcome: no data, no retry.
			return nil, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("argus status for %s: %w", identifier, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, identifier string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/operators/"+identifier+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and network errors are the same thing to the retry loop.
		return nil, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", errTransient, err)
		}
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%w: decode body: %v", errTransient, err)
		}
		if env.Code != 0 || env.Data == nil {
			// Valid answer, no data.
			return nil, errors.New("no status data")
		}
		return env.Data, nil

	case resp.StatusCode == http.StatusBadRequest:
		// Malformed identifier, permanent for this input.
		return nil, errors.New("identifier rejected")

	case resp.StatusCode == http.StatusForbidden:
		c.latch()
		return nil, errors.New("credentials rejected")

	default:
		return nil, fmt.Errorf("%w: upstream returned %d", errTransient, resp.StatusCode)
	}
}

func (c *Client) latch() {
	if c.authFailed.CompareAndSwap(false, true) {
		c.authLatched.Set(1)
		slog.Error("argus credentials rejected; all further calls disabled until reset",
			"base_url", c.cfg.BaseURL)
	}
}

// AuthLatched reports whether calls are short-circuited after a 403.
func (c *Client) AuthLatched() bool {
	return c.authFailed.Load()
}

// ResetAuth clears the 403 latch, re-enabling calls. Exposed on the admin
// surface for use after a credential update.
func (c *Client) ResetAuth() {
	if c.authFailed.CompareAndSwap(true, false) {
		c.authLatched.Set(0)
		slog.Info("argus auth latch cleared")
	}
}
