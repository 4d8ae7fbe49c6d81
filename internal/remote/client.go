package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/infra/buildinfo"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
)

// Default transport settings.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxBodySize = 200 << 20
)

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. Environment.BaseURL().
	BaseURL string
	// Token is the bearer access token.
	Token string
	// Timeout bounds each request; zero means DefaultTimeout.
	Timeout time.Duration
	// TLS overrides the transport TLS settings.
	TLS *tls.Config
	// HTTPClient replaces the whole client; tests use it.
	HTTPClient *http.Client
	// MaxBodySize bounds response bodies read into memory.
	MaxBodySize int64
}

// Client talks to the remote service.
type Client struct {
	baseURL     string
	token       string
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

// NewClient creates a new Client.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, domain.ErrValidation.WithDetailsf("base url %q must start with http:// or https://", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.TLS != nil {
			transport.TLSClientConfig = opts.TLS
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	return &Client{
		baseURL:     baseURL,
		token:       opts.Token,
		client:      httpClient,
		userAgent:   buildinfo.UserAgent(),
		maxBodySize: maxBody,
	}, nil
}

// BaseURL returns the API root of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections releases pooled connections; the client stays usable.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// getJSON performs an authenticated GET and decodes the response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// postJSON performs an authenticated POST with a JSON body.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return domain.ErrValidation.WithDetails("marshal request body").WithCause(err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return domain.ErrValidation.WithDetails("create request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	data, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.ErrRemoteUnavailable.WithDetailsf("%s %s: undecodable response", method, path).WithCause(err)
	}
	return nil
}

// rawRequest calls a pre-authorized URL without the bearer token.
func (c *Client) rawRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, domain.ErrValidation.WithDetails("create request").WithCause(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return c.send(ctx, req)
}

// send executes req and maps failures onto domain errors.
func (c *Client) send(ctx context.Context, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrRemoteUnavailable.WithDetailsf("%s %s", req.Method, redactURL(req.URL.String())).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, domain.ErrRemoteUnavailable.WithDetailsf("%s %s: read body", req.Method, redactURL(req.URL.String())).WithCause(err)
	}
	if int64(len(data)) > c.maxBodySize {
		return nil, domain.ErrRemoteRejected.WithDetailsf("response exceeds %d bytes", c.maxBodySize)
	}

	logger.L(ctx).Debug("remote call",
		"method", req.Method,
		"url", redactURL(req.URL.String()),
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 400 {
		return nil, statusError(resp, data)
	}
	return data, nil
}

// redactURL drops the query string, which carries signatures on
// pre-authorized URLs.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?..."
	}
	return u
}
