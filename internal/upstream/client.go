// Package upstream speaks the supervised agent server's HTTP API: liveness,
// app metadata, session listing, and the per-directory SSE event feed.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Endpoint identifies one agent server instance.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

func (e Endpoint) BaseURL() string {
	return "http://" + e.Addr()
}

// AppInfo is the metadata the server reports about itself.
type AppInfo struct {
	Version string `json:"version"`
	Path    struct {
		Root string `json:"root"`
		Cwd  string `json:"cwd"`
	} `json:"path"`
}

// Session is a lightweight session descriptor from the server's session list.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Time      struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"time"`
}

// Client is an HTTP client bound to one endpoint.
type Client struct {
	endpoint Endpoint
	http     *http.Client
}

// NewClient creates a client for the given endpoint. A zero timeout leaves
// per-call deadlines to the caller's context.
func NewClient(endpoint Endpoint, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Health performs the liveness request. Any 2xx answer counts as alive.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// App fetches the server's version and working-directory metadata.
func (c *Client) App(ctx context.Context) (AppInfo, error) {
	var info AppInfo
	if err := c.getJSON(ctx, "/app", &info); err != nil {
		return AppInfo{}, err
	}
	return info, nil
}

// Sessions lists the server's active sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.getJSON(ctx, "/session", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// eventURL builds the SSE subscription URL for one directory.
func (c *Client) eventURL(directory string) string {
	return c.endpoint.BaseURL() + "/event?directory=" + url.QueryEscape(directory)
}
