// Package identity calls the external identity service that validates user/key pairs
// and reports role flags.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
)

const (
	breakerFailureThreshold = 5
	breakerDelay            = 30 * time.Second
	maxBodySize             = 64 << 10
)

// Client implements domain.IdentityService over HTTP.
//
// A circuit breaker guards the service: after consecutive transport errors or 5xx
// responses the client fails fast with ErrIdentityUnavailable until the breaker
// half-opens again. Rejections (4xx) count as healthy responses.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	cb         circuitbreaker.CircuitBreaker[any]
	metrics    *metrics.IdentityMetrics
}

var _ domain.IdentityService = (*Client)(nil)

// NewClient creates a client for the identity service at baseURL.
// A zero timeout leaves requests bounded only by the caller's context.
func NewClient(baseURL string, timeout time.Duration, m *metrics.IdentityMetrics) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse identity url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("identity url must be http or https, got %q", baseURL)
	}

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(breakerFailureThreshold).
		WithDelay(breakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "identity",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.BreakerChanges.WithLabelValues(e.NewState.String()).Inc()
			m.BreakerState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
		metrics:    m,
	}, nil
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// State reports the current circuit breaker state.
func (c *Client) State() circuitbreaker.State {
	return c.cb.State()
}

// Authenticate issues GET /api/1/users/{user}/totp-auth/{key}. Only a 200 response with
// a decodable body succeeds.
func (c *Client) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthResult, error) {
	if !c.cb.TryAcquirePermit() {
		c.metrics.Requests.WithLabelValues("breaker_open").Inc()
		return domain.AuthResult{}, fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, circuitbreaker.ErrOpen)
	}

	start := time.Now()
	result, err := c.do(ctx, creds)
	c.metrics.Duration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.cb.RecordSuccess()
		c.metrics.Requests.WithLabelValues("success").Inc()
	case errors.Is(err, domain.ErrAuthRejected):
		c.cb.RecordSuccess()
		c.metrics.Requests.WithLabelValues("rejected").Inc()
	case ctx.Err() != nil:
		// The caller went away; says nothing about the service.
		c.cb.RecordSuccess()
		c.metrics.Requests.WithLabelValues("canceled").Inc()
	default:
		c.cb.RecordError(err)
		c.metrics.Requests.WithLabelValues("error").Inc()
	}
	return result, err
}

func (c *Client) authURL(creds domain.Credentials) string {
	return c.baseURL.String() + "/api/1/users/" + url.PathEscape(creds.User) + "/totp-auth/" + url.PathEscape(creds.Key)
}

func (c *Client) do(ctx context.Context, creds domain.Credentials) (domain.AuthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL(creds), nil)
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("%w: build request: %w", domain.ErrIdentityUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("%w: %w", domain.ErrIdentityUnavailable, redact(err, creds.Key))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return domain.AuthResult{}, fmt.Errorf("%w: status %d", domain.ErrIdentityUnavailable, resp.StatusCode)
	default:
		return domain.AuthResult{}, fmt.Errorf("%w: status %d", domain.ErrAuthRejected, resp.StatusCode)
	}

	var result domain.AuthResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&result); err != nil {
		return domain.AuthResult{}, fmt.Errorf("%w: decode body: %w", domain.ErrIdentityUnavailable, err)
	}
	return result, nil
}

// redact strips the key from transport errors, which embed the request URL.
func redact(err error, key string) error {
	var urlErr *url.Error
	if key == "" || !errors.As(err, &urlErr) {
		return err
	}
	return errors.New(strings.ReplaceAll(urlErr.Error(), url.PathEscape(key), "REDACTED"))
}
