// Package client provides the HTTP transport to a NewStore tenant API with
// bearer authentication, rate limiting, per-tenant backoff and bounded
// retries.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/newstore-tap/pkg/ratelimit"
)

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 512

// Request is one API call.
type Request struct {
	Method string

	// Path is the rendered URL path relative to the base URL.
	Path string

	// Endpoint labels metrics and logs. It is usually the unrendered path
	// template so that label cardinality stays bounded.
	Endpoint string

	Query  url.Values
	Header http.Header

	// Body is sent as application/json when non-nil.
	Body []byte
}

// Response is a successful (2xx) API response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TokenSource supplies bearer tokens. Invalidate drops the current token so
// the next Token call fetches a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client is the NewStore API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	backoff    *ratelimit.Tracker
	tokens     TokenSource
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the tenant API root, e.g. https://acme.p.newstore.net
	BaseURL string

	// Tenant keys the shared backoff state.
	Tenant string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout bounds one HTTP attempt.
	Timeout time.Duration

	// RateLimit is the process-wide request rate per second; 0 disables it.
	RateLimit float64
	RateBurst int

	// Tokens authenticates requests. Nil sends no Authorization header.
	Tokens TokenSource

	// Backoff gates requests while the tenant is rate limited. Optional.
	Backoff *ratelimit.Tracker

	// Retry selects retry behaviour per error class; defaults to
	// RetryConfigForErrorClass.
	Retry RetryPolicy

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		RateLimit: 10,
		RateBurst: 5,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if cfg.RateBurst < 1 {
			return nil, fmt.Errorf("rate_burst must be >= 1 (got %d)", cfg.RateBurst)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := log.With().Str("component", "newstore-client").Str("tenant", cfg.Tenant).Logger()

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    rate.NewLimiter(limit, cfg.RateBurst),
		backoff:    cfg.Backoff,
		tokens:     cfg.Tokens,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Do performs req with rate limiting, authentication and retries. Any
// non-2xx outcome is returned as an error; see IsTransient, IsPermanent
// and IsAuth.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Path
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var (
		resp     *Response
		errClass ErrorClass
	)

	retryErr := retryWithBackoff(ctx, c.logger, c.config.Retry, func() error {
		r, class, err := c.attempt(ctx, req, endpoint)
		errClass = class
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(error) ErrorClass {
		return errClass
	})
	if retryErr != nil {
		return nil, retryErr
	}

	return resp, nil
}

// attempt runs one request, refreshing credentials once on 401/403.
func (c *Client) attempt(ctx context.Context, req *Request, endpoint string) (*Response, ErrorClass, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("rate limiter: %w", err)
	}
	if c.backoff != nil {
		if err := c.backoff.Wait(ctx, c.config.Tenant); err != nil {
			return nil, "", err
		}
	}

	resp, class, err := c.authorizedSend(ctx, req, endpoint)
	if err != nil {
		return nil, class, err
	}

	if isAuthStatus(resp.StatusCode) && c.tokens != nil {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Msg("Credentials rejected - refreshing token")
		credentialRefreshTotal.Inc()
		c.tokens.Invalidate()

		resp, class, err = c.authorizedSend(ctx, req, endpoint)
		if err != nil {
			return nil, class, err
		}
	}

	if c.backoff != nil {
		if err := c.backoff.Observe(ctx, c.config.Tenant, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update tenant backoff state")
		}
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("method", req.Method).
			Int("status", resp.StatusCode).
			Int("bytes", len(resp.Body)).
			Msg("Request completed")
		return resp, "", nil
	}

	errClass := ClassifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(errClass)).Inc()
	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("NewStore request error")

	return nil, errClass, &HTTPError{
		Method:     req.Method,
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Class:      errClass,
		Message:    errorMessage(resp),
	}
}

func (c *Client) authorizedSend(ctx context.Context, req *Request, endpoint string) (*Response, ErrorClass, error) {
	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
			return nil, ErrorClassAuth, err
		}
		token = t
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", err
		}
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, ErrorClassNetwork, &HTTPError{
			Method:   req.Method,
			Endpoint: endpoint,
			Class:    ErrorClassNetwork,
			Err:      err,
		}
	}
	return resp, "", nil
}

func (c *Client) send(ctx context.Context, req *Request, token string) (*Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func errorMessage(resp *Response) string {
	msg := http.StatusText(resp.StatusCode)
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return msg
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return msg + ": " + body
}
