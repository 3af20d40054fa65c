package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8790/api"
	DefaultTimeout = 10 * time.Second
)

// Client talks to the svcguard HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds every request. Start and restart block until the
	// service is ready, so this should exceed the services' startup timeout.
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig configures HTTPS when the API sits behind a TLS proxy.
type TLSClientConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// IsReachable checks whether the API answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Services(ctx)
	if err != nil {
		c.logger.Debug("API unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services", &out)
	return out, err
}

func (c *Client) Service(ctx context.Context, name string) (ServiceDetail, error) {
	var out ServiceDetail
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), &out)
	return out, err
}

// Logs returns up to n recent output lines; n <= 0 uses the server default.
func (c *Client) Logs(ctx context.Context, name string, n int) ([]LogLine, error) {
	p := "/services/" + url.PathEscape(name) + "/logs"
	if n > 0 {
		p += "?n=" + strconv.Itoa(n)
	}
	var out []LogLine
	err := c.do(ctx, http.MethodGet, p, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.action(ctx, name, "start")
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.action(ctx, name, "stop")
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return c.action(ctx, name, "restart")
}

func (c *Client) action(ctx context.Context, name, op string) error {
	c.logger.Debug("service action", "service", name, "action", op)
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/"+op, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	return apiErr
}

// AsAPIError unwraps err into an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	ok := errors.As(err, &ae)
	return ae, ok
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
	}
	t := config.TLS
	if t == nil {
		return tlsConfig, nil
	}
	tlsConfig.ServerName = t.ServerName
	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", t.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
