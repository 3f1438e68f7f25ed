// Package jupyter talks to a Jupyter kernel gateway: kernels are created
// over REST and driven over the multiplexed websocket channel endpoint.
package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultKernelName is the kernelspec started for every session.
const DefaultKernelName = "python3"

// Client is a kernel gateway REST client.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a client for the gateway at baseURL
// (e.g. "http://127.0.0.1:8888"). token may be empty.
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	return &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Ping checks that the gateway answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// StartKernel creates a kernel and opens its channel websocket.
func (c *Client) StartKernel(ctx context.Context, name string) (*Kernel, error) {
	if name == "" {
		name = DefaultKernelName
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/kernels", map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	defer resp.Body.Close()

	var info struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding kernel info: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("gateway returned kernel without id")
	}

	conn, err := c.dial(ctx, info.ID)
	if err != nil {
		// Don't leak the kernel we just created.
		if derr := c.DeleteKernel(context.Background(), info.ID); derr != nil {
			slog.Warn("Failed to delete kernel after dial error", "kernelID", info.ID, "error", derr)
		}
		return nil, fmt.Errorf("opening kernel channels: %w", err)
	}

	slog.Debug("Kernel started", "kernelID", info.ID, "name", info.Name)
	return newKernel(c, info.ID, uuid.New().String(), conn), nil
}

// InterruptKernel interrupts the kernel's running request.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil)
	if err != nil {
		return fmt.Errorf("interrupting kernel: %w", err)
	}
	resp.Body.Close()
	return nil
}

// DeleteKernel shuts the kernel down.
func (c *Client) DeleteKernel(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("deleting kernel: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) dial(ctx context.Context, kernelID string) (*websocket.Conn, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.headers())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, r)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers() {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}
