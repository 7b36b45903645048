// Package osm provides a rate-limited client for the Overpass API.
package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/geo"
	"github.com/NERVsystems/tilestream/pkg/osm/queries"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

const (
	// OverpassBaseURL is the public Overpass interpreter endpoint.
	OverpassBaseURL = "https://overpass-api.de/api/interpreter"

	// DefaultUserAgent is the default User-Agent string
	DefaultUserAgent = "tilestream/0.1.0"

	// maxResponseBytes caps a decoded response body.
	maxResponseBytes = 256 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another interpreter endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithRateLimit sets requests per second and burst size.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithRetryOptions overrides the retry policy.
func WithRetryOptions(opts core.RetryOptions) Option {
	return func(c *Client) {
		c.retry = opts
	}
}

// WithHTTPClient replaces the underlying HTTP client. Its transport is wrapped
// with rate limiting and monitoring.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client queries an Overpass interpreter.
type Client struct {
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	retry      core.RetryOptions
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. By default it allows one request per second.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   OverpassBaseURL,
		userAgent: DefaultUserAgent,
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		retry:     core.DefaultRetryOptions,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := http.DefaultTransport
	timeout := 60 * time.Second
	if c.httpClient != nil {
		if c.httpClient.Transport != nil {
			base = c.httpClient.Transport
		}
		timeout = c.httpClient.Timeout
	}
	c.httpClient = &http.Client{
		Timeout: timeout,
		Transport: &limitedTransport{
			base:      base,
			limiter:   c.limiter,
			service:   tracing.ServiceOverpass,
			userAgent: c.userAgent,
		},
	}
	c.logger = c.logger.With("component", "overpass_client")
	return c
}

// BaseURL returns the interpreter endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Query runs an Overpass QL query and decodes the JSON response.
func (c *Client) Query(ctx context.Context, query string) (*OverpassResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "overpass.query",
		trace.WithAttributes(
			attribute.String(tracing.AttrServiceName, tracing.ServiceOverpass),
			attribute.String(tracing.AttrServiceURL, c.baseURL),
		),
	)
	defer span.End()

	start := time.Now()
	form := url.Values{"data": {query}}.Encode()
	factory := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	resp, err := core.WithRetryFactory(ctx, factory, c.httpClient, c.retry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "overpass request failed")
		return nil, err
	}
	defer resp.Body.Close()

	var result OverpassResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, core.NewError(core.ErrParseError, "failed to decode Overpass response").WithCause(err)
	}
	if result.Failed() {
		err := core.ServiceError(tracing.ServiceOverpass, http.StatusGatewayTimeout, result.Remark)
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("overpass.elements", len(result.Elements)))
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("overpass query finished",
		"elements", len(result.Elements),
		"duration", time.Since(start))
	return &result, nil
}

// FetchBoundingBox returns every element intersecting bbox together with the
// nodes of its ways.
func (c *Client) FetchBoundingBox(ctx context.Context, bbox geo.BoundingBox) (*OverpassResponse, error) {
	if bbox.IsEmpty() {
		return nil, core.NewValidationError(core.ErrInvalidInput, fmt.Sprintf("empty bounding box %s", bbox))
	}
	return c.Query(ctx, queries.BoundingBoxQuery(bbox))
}

// CheckHealth sends a trivial query to verify the interpreter answers.
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create overpass health check request: %w", err)
	}
	req.URL.RawQuery = url.Values{"data": {"[out:json];out meta;"}}.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("overpass health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("overpass health check returned status %d", resp.StatusCode)
	}
	return nil
}

// waitForRateLimit blocks until the limiter admits a request, recording the
// wait on the current span.
func waitForRateLimit(ctx context.Context, limiter *rate.Limiter, service string) (time.Duration, error) {
	if limiter.Allow() {
		return 0, nil
	}

	startWait := time.Now()
	tracing.AddEvent(ctx, "rate_limit_wait",
		trace.WithAttributes(
			attribute.String(tracing.AttrRateLimitService, service),
		),
	)

	err := limiter.Wait(ctx)

	waitDuration := time.Since(startWait)
	tracing.SetAttributes(ctx,
		attribute.String(tracing.AttrRateLimitService, service),
		attribute.Int64(tracing.AttrRateLimitWaitMs, waitDuration.Milliseconds()),
	)
	return waitDuration, err
}
