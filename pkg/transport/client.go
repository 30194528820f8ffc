// Package transport is the HTTP client used to talk to the local discovery
// daemon. Every request carries the caller's identity headers, and an
// unreachable daemon is reported as ErrServiceUnavailable rather than as a
// generic I/O failure. There are no retries at this layer.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"
)

const (
	HeaderEnvironment = "X-Kapeta-Environment"
	HeaderBlock       = "X-Kapeta-Block"
	HeaderSystem      = "X-Kapeta-System"
	HeaderInstance    = "X-Kapeta-Instance"

	// EnvEnvironmentType overrides the X-Kapeta-Environment header value.
	EnvEnvironmentType = "KAPETA_ENVIRONMENT_TYPE"
	DefaultEnvironment = "process"
)

// Observer receives one callback per request. Outcome is "ok", "error" or
// "unavailable"; endpoint is the first path segment of the URL, or the
// second one under /config.
type Observer interface {
	ObserveRequest(method, endpoint, outcome string, elapsed time.Duration)
}

// Options configures a Client.
type Options struct {
	Environment string
	BlockRef    string
	SystemID    string
	InstanceID  string

	// HTTPClient replaces the default http.Client, mostly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Observer   Observer
}

// Client sends identity-tagged requests. System and instance ids can be
// updated after construction, once the daemon has told the caller who it is.
type Client struct {
	resty    *resty.Client
	logger   *zap.Logger
	observer Observer

	mu          sync.RWMutex
	environment string
	blockRef    string
	systemID    string
	instanceID  string
}

// New builds a Client from opts.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := resty.New()
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	}
	rc.SetLogger(logger.Sugar())

	environment := opts.Environment
	if environment == "" {
		environment = DefaultEnvironment
	}

	return &Client{
		resty:       rc,
		logger:      logger,
		observer:    opts.Observer,
		environment: environment,
		blockRef:    opts.BlockRef,
		systemID:    opts.SystemID,
		instanceID:  opts.InstanceID,
	}
}

func (c *Client) BlockRef() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockRef
}

func (c *Client) SystemID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemID
}

func (c *Client) InstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// SetIdentity replaces the system and instance ids sent with later requests.
func (c *Client) SetIdentity(systemID, instanceID string) {
	c.mu.Lock()
	c.systemID = systemID
	c.instanceID = instanceID
	c.mu.Unlock()
}

// Get sends a GET request and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Put sends body as JSON and returns the response body.
func (c *Client) Put(ctx context.Context, url string, body []byte) ([]byte, error) {
	if body == nil {
		body = []byte{}
	}
	return c.do(ctx, http.MethodPut, url, body)
}

// Delete sends a DELETE request and returns the response body.
func (c *Client) Delete(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, url, nil)
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.resty.Close()
}

func (c *Client) headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]string{
		HeaderEnvironment: c.environment,
		HeaderBlock:       c.blockRef,
		HeaderSystem:      c.systemID,
		HeaderInstance:    c.instanceID,
	}
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req := c.resty.R().
		SetContext(ctx).
		SetHeaders(c.headers())
	if body != nil {
		req.SetContentType("application/json").SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, target)
	if err != nil {
		if isUnreachable(err) {
			c.observe(method, target, "unavailable", start)
			return nil, fmt.Errorf("%w: %s %s: %w", ErrServiceUnavailable, method, target, err)
		}
		c.observe(method, target, "error", start)
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		c.observe(method, target, "error", start)
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode(),
			Body:       resp.String(),
		}
	}

	c.observe(method, target, "ok", start)
	c.logger.Debug("request completed",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode()),
	)
	return resp.Bytes(), nil
}

func (c *Client) observe(method, target, outcome string, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveRequest(method, endpointOf(target), outcome, time.Since(start))
}

func endpointOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	segments := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 3)
	if segments[0] == "config" && len(segments) > 1 && segments[1] != "" {
		return segments[1]
	}
	if segments[0] == "" {
		return "root"
	}
	return segments[0]
}
