// Package client is the HTTP client for the fleetd coordinator API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	fleettls "github.com/loykin/fleetd/internal/tls"
)

// Client provides HTTP client functionality to communicate with the coordinator
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	// BaseURL is the server root including any base path, e.g. https://coord:8700/fleet.
	BaseURL  string
	Timeout  time.Duration
	Username string
	Password string
	CAFile   string
	Insecure bool // Skip TLS verification
	Logger   *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8700",
		Timeout: 30 * time.Second,
	}
}

// New creates a coordinator API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", config.BaseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if u.Scheme == "https" {
		var tlsConfig *tls.Config
		tlsConfig, err = fleettls.ClientConfig(config.CAFile, config.Insecure)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/") + api.Prefix,
		username: config.Username,
		password: config.Password,
		logger:   config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// Noop verifies the coordinator is reachable.
func (c *Client) Noop(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/noop", nil, nil)
}

func (c *Client) BuildNumber(ctx context.Context) (string, error) {
	var out api.BuildResponse
	err := c.do(ctx, http.MethodGet, "/build", nil, &out)
	return out.Build, err
}

// NextAction reports the running daemons of a host and returns the next
// action, or nil when there is nothing to do.
func (c *Client) NextAction(ctx context.Context, req api.NextActionRequest) (*daemon.Action, error) {
	req.APIVersion = api.Version
	if req.Running == nil {
		req.Running = []string{}
	}
	var out api.NextActionResponse
	if err := c.do(ctx, http.MethodPost, "/actions/next", req, &out); err != nil {
		return nil, err
	}
	return out.Action, nil
}

func (c *Client) CompleteAction(ctx context.Context, req api.CompleteActionRequest) error {
	req.APIVersion = api.Version
	return c.do(ctx, http.MethodPost, "/actions/complete", req, nil)
}

func (c *Client) KnownDaemons(ctx context.Context) ([]daemon.Spec, error) {
	var out api.DaemonsResponse
	err := c.do(ctx, http.MethodGet, "/daemons", nil, &out)
	return out.Daemons, err
}

// --- leases ---

func (c *Client) RegisterLease(ctx context.Context, name, host string) (bool, error) {
	return c.lease(ctx, "/leases/register", name, host)
}

func (c *Client) AssertLease(ctx context.Context, name, host string) (bool, error) {
	return c.lease(ctx, "/leases/assert", name, host)
}

func (c *Client) FreeLease(ctx context.Context, name, host string) error {
	return c.do(ctx, http.MethodPost, "/leases/free", api.LeaseRequest{Name: name, Hostname: host}, nil)
}

func (c *Client) Leases(ctx context.Context) ([]api.Lease, error) {
	var out api.LeasesResponse
	err := c.do(ctx, http.MethodGet, "/leases", nil, &out)
	return out.Leases, err
}

func (c *Client) lease(ctx context.Context, path, name, host string) (bool, error) {
	var out api.LeaseResponse
	if err := c.do(ctx, http.MethodPost, path, api.LeaseRequest{Name: name, Hostname: host}, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

// --- process proxy ---

func (c *Client) StartProcess(ctx context.Context, argv []string) error {
	return c.do(ctx, http.MethodPost, "/process/start", api.StartProcessRequest{Command: argv}, nil)
}

func (c *Client) ReadStdout(ctx context.Context) ([]byte, error) {
	return c.readProcess(ctx, "/process/stdout")
}

func (c *Client) ReadStderr(ctx context.Context) ([]byte, error) {
	return c.readProcess(ctx, "/process/stderr")
}

func (c *Client) readProcess(ctx context.Context, path string) ([]byte, error) {
	var out api.ProcessDataResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Data, err
}

func (c *Client) SendStdin(ctx context.Context, data []byte) error {
	return c.do(ctx, http.MethodPost, "/process/stdin", api.ProcessDataRequest{Data: data}, nil)
}

func (c *Client) ProcessAlive(ctx context.Context) (bool, error) {
	var out api.ProcessAliveResponse
	err := c.do(ctx, http.MethodGet, "/process/alive", nil, &out)
	return out.Alive, err
}

func (c *Client) DestroyProcess(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/process/destroy", nil, nil)
}

// --- administration ---

// ListDaemons lists definitions, optionally only those with the given observed status.
func (c *Client) ListDaemons(ctx context.Context, status daemon.Status) ([]daemon.Spec, error) {
	path := "/admin/daemons"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out api.DaemonsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Daemons, err
}

func (c *Client) GetDaemon(ctx context.Context, name string) (daemon.Spec, error) {
	var out daemon.Spec
	err := c.do(ctx, http.MethodGet, "/admin/daemons/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (c *Client) CreateDaemon(ctx context.Context, spec daemon.Spec) (daemon.Spec, error) {
	var out daemon.Spec
	err := c.do(ctx, http.MethodPost, "/admin/daemons", spec, &out)
	return out, err
}

// PutDaemon creates or replaces a definition.
func (c *Client) PutDaemon(ctx context.Context, spec daemon.Spec) error {
	return c.do(ctx, http.MethodPut, "/admin/daemons/"+url.PathEscape(spec.Name), spec, nil)
}

func (c *Client) PatchDaemon(ctx context.Context, name string, p api.DaemonPatch) (daemon.Spec, error) {
	var out daemon.Spec
	err := c.do(ctx, http.MethodPatch, "/admin/daemons/"+url.PathEscape(name), p, &out)
	return out, err
}

func (c *Client) DeleteDaemon(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/admin/daemons/"+url.PathEscape(name), nil, nil)
}

func (c *Client) SetTarget(ctx context.Context, name string, status daemon.Status) error {
	return c.do(ctx, http.MethodPost, "/admin/daemons/"+url.PathEscape(name)+"/target", api.TargetRequest{Status: status}, nil)
}

func (c *Client) Servers(ctx context.Context) ([]daemon.Server, error) {
	var out api.ServersResponse
	err := c.do(ctx, http.MethodGet, "/admin/servers", nil, &out)
	return out.Servers, err
}

// do performs HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("coordinator request failed", "method", method, "path", path, "error", err)
		return &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
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

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	e := &APIError{StatusCode: resp.StatusCode}
	var body api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		e.Code = body.Code
		e.Message = body.Error
	} else {
		e.Message = strings.TrimSpace(string(raw))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
	}
	c.logger.Debug("coordinator returned error", "status", resp.StatusCode, "code", e.Code, "error", e.Message)
	return e
}

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator: %s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("coordinator: %s (%d)", e.Message, e.StatusCode)
}

// TransportError means the request never produced an HTTP answer.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "coordinator unreachable: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports failures worth retrying: no answer at all, gateway and
// availability errors, and coordinator storage failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return ae.Code == api.CodeStorageFailure
	}
	return false
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }
