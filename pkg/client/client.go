package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://admin-api.localhost"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the binarydrop admin API.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; used for log follow and uploads.
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// New creates a client. Hosts under .localhost are dialed on the loopback
// interface so the default admin-api.localhost URL works without DNS setup.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, loopbackAddr(addr))
		},
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

func loopbackAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	h := strings.ToLower(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "err", err)
		return false
	}
	return true
}

func (c *Client) List(ctx context.Context) ([]App, error) {
	var out []App
	if err := c.do(ctx, http.MethodGet, "/apps", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, name string) (*App, error) {
	var out App
	if err := c.do(ctx, http.MethodGet, appPath(name, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Create(ctx context.Context, name string) (*App, error) {
	var out App
	if err := c.do(ctx, http.MethodPost, "/apps", createRequest{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, appPath(name, ""), nil, nil)
}

func (c *Client) Start(ctx context.Context, name string) (*App, error) {
	return c.appCall(ctx, http.MethodPost, name, "/start", nil)
}

func (c *Client) Stop(ctx context.Context, name string) (*App, error) {
	return c.appCall(ctx, http.MethodPost, name, "/stop", nil)
}

func (c *Client) Restart(ctx context.Context, name string) (*App, error) {
	return c.appCall(ctx, http.MethodPost, name, "/restart", nil)
}

// SetEnv upserts key=value; UnsetEnv removes key.
func (c *Client) SetEnv(ctx context.Context, name, key, value string) (*App, error) {
	return c.appCall(ctx, http.MethodPost, name, "/env", envRequest{Key: key, Value: value})
}

func (c *Client) UnsetEnv(ctx context.Context, name, key string) (*App, error) {
	return c.appCall(ctx, http.MethodPost, name, "/env", envRequest{Key: key, Delete: true})
}

func (c *Client) SetHealthCheck(ctx context.Context, name string, hc HealthCheck) (*App, error) {
	return c.appCall(ctx, http.MethodPut, name, "/health", hc)
}

func (c *Client) ClearHealthCheck(ctx context.Context, name string) (*App, error) {
	return c.appCall(ctx, http.MethodDelete, name, "/health", nil)
}

func (c *Client) CheckHealth(ctx context.Context, name string) (*HealthResult, error) {
	var out HealthResult
	if err := c.do(ctx, http.MethodPost, appPath(name, "/health/check"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetRestartPolicy changes the policy; a nil maxRestarts removes the limit.
func (c *Client) SetRestartPolicy(ctx context.Context, name, policy string, maxRestarts *int) (*App, error) {
	return c.appCall(ctx, http.MethodPut, name, "/policy", policyRequest{RestartPolicy: policy, MaxRestarts: maxRestarts})
}

func (c *Client) History(ctx context.Context, name string, limit int) ([]Run, error) {
	p := appPath(name, "/history")
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []Run
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context, name string) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, appPath(name, "/stats"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deploy uploads the binary read from r as multipart field "binary".
func (c *Client) Deploy(ctx context.Context, name string, r io.Reader) (*DeployResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("binary", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+appPath(name, "/deploy"), pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.stream.Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out DeployResult
	if err := c.decode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns the last lines of the app log.
func (c *Client) Logs(ctx context.Context, name string, lines int) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+logsPath(name, lines, false), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	var out []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

// Follow streams the last lines followed by newly appended ones. The
// channel closes when ctx is done or the server ends the stream.
func (c *Client) Follow(ctx context.Context, name string, lines int) (<-chan string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+logsPath(name, lines, true), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	ch := make(chan string)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func appPath(name, suffix string) string {
	return "/apps/" + url.PathEscape(name) + suffix
}

func logsPath(name string, lines int, follow bool) string {
	q := url.Values{}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	if follow {
		q.Set("follow", "true")
	}
	p := appPath(name, "/logs")
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

func (c *Client) appCall(ctx context.Context, method, name, suffix string, body any) (*App, error) {
	var out App
	if err := c.do(ctx, method, appPath(name, suffix), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs a JSON request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "err", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return c.decode(resp, out)
}

func (c *Client) decode(resp *http.Response, out any) error {
	if err := c.checkStatus(resp); err != nil {
		return err
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

// checkStatus turns non-2xx responses into *APIError.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er ErrorResponse
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "err", msg)
	return &APIError{Status: resp.StatusCode, Message: msg}
}
