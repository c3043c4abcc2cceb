package caddy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultServer = "srv0"

// Proxy manages reverse-proxy routes through the Caddy admin API.
type Proxy interface {
	// DeleteRoute removes the route with the given @id. A missing route is not an error.
	DeleteRoute(ctx context.Context, id string) error
	AddRoute(ctx context.Context, route Route) error
	Close()
}

// Route sends requests for Host to Upstream ("ip:port").
type Route struct {
	ID       string
	Host     string
	Upstream string
}

type Options struct {
	Endpoint string
	Server   string
	TLS      *tls.Config
	Timeout  time.Duration
}

type Client struct {
	endpoint   string
	server     string
	httpClient *http.Client
}

var _ Proxy = (*Client)(nil)

func NewClient(opts Options) *Client {
	server := opts.Server
	if server == "" {
		server = DefaultServer
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		transport.TLSClientConfig = opts.TLS
	}
	return &Client{
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		server:     server,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// StatusError is returned for non-2xx admin API responses.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("caddy %s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (c *Client) DeleteRoute(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/id/"+id, nil)
	var se *StatusError
	if err != nil && errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil
	}
	return err
}

type routeBody struct {
	ID     string         `json:"@id"`
	Match  []routeMatch   `json:"match"`
	Handle []routeHandler `json:"handle"`
}

type routeMatch struct {
	Host []string `json:"host"`
}

type routeHandler struct {
	Handler   string          `json:"handler"`
	Upstreams []routeUpstream `json:"upstreams"`
}

type routeUpstream struct {
	Dial string `json:"dial"`
}

func (c *Client) AddRoute(ctx context.Context, route Route) error {
	body := routeBody{
		ID:    route.ID,
		Match: []routeMatch{{Host: []string{route.Host}}},
		Handle: []routeHandler{{
			Handler:   "reverse_proxy",
			Upstreams: []routeUpstream{{Dial: route.Upstream}},
		}},
	}
	return c.do(ctx, http.MethodPost, "/config/apps/http/servers/"+c.server+"/routes", body)
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	url := c.endpoint + path
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("caddy %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
