// Package setup is the client for the session setup service, which turns a
// conference identifier and host credentials into a relay address.
package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 10 * time.Second

	maxErrorBodyBytes    = 1 << 10
	maxResponseBodyBytes = 1 << 20
)

// Credentials identify the host of an existing session.
type Credentials struct {
	Host     string `json:"host"`
	Password string `json:"password"`
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Title    string `json:"title"`
	Host     string `json:"host"`
	Password string `json:"password"`
}

// Session is what the setup service resolves a login to. Either field may be
// empty.
type Session struct {
	Title  string
	Socket string
}

type sessionResponse struct {
	Data struct {
		Title  string `json:"title,omitempty"`
		Socket string `json:"socket,omitempty"`
	} `json:"data"`
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("setup: %s %s: http status %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to one setup service.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the service rooted at baseURL. A nil httpClient
// uses a client with DefaultTimeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("setup: invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("setup: invalid base url %q (expected http:// or https://)", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("setup: invalid base url %q (missing host)", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: u, http: httpClient}, nil
}

// CreateSession registers a new session: POST /session.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (Session, error) {
	return c.postSession(ctx, "/session", req)
}

// ConnectSession logs in to an existing session: POST /connect/{socket}.
func (c *Client) ConnectSession(ctx context.Context, socket string, creds Credentials) (Session, error) {
	if socket == "" {
		return Session{}, errors.New("setup: empty socket")
	}
	return c.postSession(ctx, "/connect/"+url.PathEscape(socket), creds)
}

// VerifySocket checks that target names a reachable conference:
// GET /connect?url=<target>.
func (c *Client) VerifySocket(ctx context.Context, target string) error {
	u := c.endpoint("/connect")
	u.RawQuery = url.Values{"url": {target}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("setup: GET /connect: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))
	return nil
}

func (c *Client) postSession(ctx context.Context, path string, body any) (Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path).String(), bytes.NewReader(payload))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("setup: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Session{}, err
	}

	var out sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&out); err != nil {
		return Session{}, fmt.Errorf("setup: POST %s: decode response: %w", path, err)
	}
	return Session{Title: out.Data.Title, Socket: out.Data.Socket}, nil
}

// endpoint joins an already-escaped path onto the base URL.
func (c *Client) endpoint(escapedPath string) *url.URL {
	u := *c.base
	raw := c.base.EscapedPath() + escapedPath
	p, err := url.PathUnescape(raw)
	if err != nil {
		p = raw
	}
	u.Path = p
	u.RawPath = raw
	return &u
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &HTTPError{
		Method: resp.Request.Method,
		Path:   resp.Request.URL.Path,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
