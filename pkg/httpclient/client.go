package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// Config holds HTTP client configuration
type Config struct {
	ServiceID       string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	UserAgent       string
}

// DefaultConfig returns default HTTP client configuration
func DefaultConfig(serviceID string) Config {
	return Config{
		ServiceID:       serviceID,
		Timeout:         DefaultTimeout,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "fern/1.0",
	}
}

// Client is an HTTP client for one external service. Each client owns its cookie jar, so
// sessions never share cookies.
type Client struct {
	client    *http.Client
	serviceID string
	userAgent string
	logger    ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			Jar:       jar,
		},
		serviceID: cfg.ServiceID,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

// Response represents an HTTP response
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return IsSuccessStatus(r.StatusCode)
}

// JSON decodes the body into a generic value suitable for JMESPath.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return v, nil
}

// Get performs a GET request. logURL is what gets logged in place of rawURL so credentials
// in the query string stay out of logs.
func (c *Client) Get(ctx context.Context, rawURL, logURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(c.serviceID, "error", time.Since(start).Seconds())
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"service_id": c.serviceID, "url": logURL}).Error("HTTP request failed")
		return nil, fmt.Errorf("request to %s failed: %w", logURL, redactURLError(err))
	}
	defer resp.Body.Close()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response too large: %d bytes (max %d)", resp.ContentLength, MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	duration := time.Since(start)
	metrics.RecordHTTPRequest(c.serviceID, strconv.Itoa(resp.StatusCode), duration.Seconds())
	c.logger.WithContext(ctx).Debugf("HTTP GET %s -> %d (%s)", logURL, resp.StatusCode, duration)

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    duration,
	}, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// IsSuccessStatus returns true if the status code indicates success
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRateLimitStatus returns true if the status code indicates rate limiting
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests
}

// redactURLError drops the request url, which may carry a credential, from transport errors.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
