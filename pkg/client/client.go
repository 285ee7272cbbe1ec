// Package client is the Go SDK for latbench servers. Conn streams probes and
// payloads over the websocket RPC; Client reads results back over HTTP.
//
// Usage:
//
//	conn := client.NewConn("http://bench.local:8080")
//	err := conn.Connect(ctx)
//	conn.AddLog(types.UnixSeconds(time.Now()), false)
//	conn.Close()
//
//	c := client.New("http://bench.local:8080")
//	summary, err := c.Summary(ctx)
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/saveenergy/latbench/pkg/types"
)

// Client is an HTTP client for the read side of one server.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client targeting the given server URL.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Healthy returns nil if the server is reachable and its store answers.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.get(ctx, "/health", nil)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/v1/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// LogsPage is one keyset page of records.
type LogsPage struct {
	Logs      []types.LogRecord `json:"logs"`
	NextAfter uint64            `json:"next_after,omitempty"`
}

// Logs fetches up to limit records with id greater than after.
func (c *Client) Logs(ctx context.Context, after uint64, limit int) (*LogsPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page LogsPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) Summary(ctx context.Context) (*types.RunSummary, error) {
	var s types.RunSummary
	if err := c.getJSON(ctx, "/api/v1/logs/summary", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Clock returns the identity's latest ConnectionClock, or nil if it has never
// connected.
func (c *Client) Clock(ctx context.Context, identity types.Identity) (*types.ConnectionClock, error) {
	var clock types.ConnectionClock
	err := c.getJSON(ctx, "/api/v1/clocks/"+url.PathEscape(string(identity)), &clock)
	if se, ok := err.(*StatusError); ok && se.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &clock, nil
}

// ExportCSV streams the server's CSV export into w. The transfer is
// zstd-compressed on the wire; w receives plain CSV.
func (c *Client) ExportCSV(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, "/api/v1/logs/export", http.Header{"Accept-Encoding": {"zstd"}})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("init decompressor: %w", err)
		}
		defer dec.Close()
		body = dec
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("read export: %w", err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst interface{}) error {
	resp, err := c.get(ctx, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// get performs the request and converts non-2xx responses to *StatusError.
// Setting Accept-Encoding disables net/http's transparent gzip handling, which
// is what lets ExportCSV see the zstd body.
func (c *Client) get(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return resp, nil
}
