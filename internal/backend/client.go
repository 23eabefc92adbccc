package backend

import (
	"bytes"
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
)

// maxResponseSize caps how much of an upstream body is read into memory.
const maxResponseSize = 32 << 20

// Config holds the settings shared by every Client derived from New.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Credentials identify the caller to the backend. They are supplied
// explicitly by whoever owns the session, never read from ambient state.
type Credentials struct {
	Token  string
	UserID string
}

// Client talks to the remote issue service. A Client is immutable; use
// WithCredentials to derive one bound to a caller.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	creds  Credentials
}

// New returns an anonymous client for the backend at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: u, http: hc, logger: logger}, nil
}

// WithCredentials returns a copy of c that authenticates as creds.
func (c *Client) WithCredentials(creds Credentials) *Client {
	cp := *c
	cp.creds = creds
	return &cp
}

// Credentials returns the credentials c was bound with.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// ImageURL resolves an image reference from an issue record. Relative
// references are served by the backend itself.
func (c *Client) ImageURL(ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	return c.base.String() + "/" + strings.TrimPrefix(ref, "/")
}

// Response is an upstream reply relayed without interpretation.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// OK reports whether the upstream answered with a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// endpoint joins an already-escaped path onto the base URL.
func (c *Client) endpoint(path string, query url.Values) string {
	s := c.base.String() + path
	if len(query) > 0 {
		s += "?" + query.Encode()
	}
	return s
}

// send performs req and reads the whole reply. Network and read failures
// become TransportErrors; the status is not interpreted.
func (c *Client) send(op string, req *http.Request) (*Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "op", op, "error", err)
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}
	c.logger.Debug("backend request",
		"op", op,
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.creds.Token == "" {
		return ErrUnauthorized
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	if c.creds.UserID != "" {
		req.Header.Set("X-User-Id", c.creds.UserID)
	}
	return nil
}

// do runs an authenticated request and turns non-2xx replies into
// UpstreamErrors.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", op, err)
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.send(op, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, newUpstreamError(resp.Status, resp.Body)
	}
	return resp, nil
}

// doJSON sends in (when non-nil) as JSON and decodes the reply into out
// (when non-nil).
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, in, out any) (*Response, error) {
	var body io.Reader
	var contentType string
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, op, method, path, query, body, contentType)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return resp, nil
}

// ForwardRequest describes a single-hop passthrough call.
type ForwardRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   io.Reader
	// ContentType is copied verbatim, multipart boundary included.
	ContentType string
	// Authorization is the caller's raw header value. When empty the
	// client's own credential is used.
	Authorization string
	// UserID overrides the client's own user id for X-User-Id.
	UserID string
}

// Forward relays a request to the backend and returns the reply whatever
// its status. Only a missing credential, a network failure or a body that
// is not JSON produce an error.
func (c *Client) Forward(ctx context.Context, fr ForwardRequest) (*Response, error) {
	auth := fr.Authorization
	if auth == "" && c.creds.Token != "" {
		auth = "Bearer " + c.creds.Token
	}
	if auth == "" {
		return nil, ErrUnauthorized
	}
	userID := fr.UserID
	if userID == "" {
		userID = c.creds.UserID
	}

	op := "forward " + fr.Path
	req, err := http.NewRequestWithContext(ctx, fr.Method, c.endpoint(fr.Path, fr.Query), fr.Body)
	if err != nil {
		return nil, fmt.Errorf("creating forward request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if fr.ContentType != "" {
		req.Header.Set("Content-Type", fr.ContentType)
	}

	resp, err := c.send(op, req)
	if err != nil {
		return nil, err
	}
	if !json.Valid(resp.Body) {
		return nil, &TransportError{Op: op, Err: errors.New("upstream body is not JSON")}
	}
	return resp, nil
}
