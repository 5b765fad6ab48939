// Package rpc is a minimal JSON-RPC 2.0 HTTP client with endpoint failover.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Error is a JSON-RPC error object returned by the provider.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client makes JSON-RPC calls over HTTP, rotating round-robin through
// equivalent endpoints on transport failure.
type Client struct {
	endpoints  []string
	httpClient *http.Client
	log        *slog.Logger

	mu     sync.Mutex
	active int
}

// NewClient creates a client over one or more equivalent endpoints.
func NewClient(endpoints []string, timeout time.Duration) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: slog.With("component", "rpc"),
	}, nil
}

// Call invokes method, trying each endpoint at most once before giving up.
// A JSON-RPC error from the provider is returned as-is: it is an answer,
// not a transport failure, so no rotation happens for it.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		endpoint := c.current()
		result, err := c.call(ctx, endpoint, method, params)
		if err == nil {
			return result, nil
		}
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, err
		}
		lastErr = err
		c.rotate(endpoint)
		c.log.Warn("endpoint failed, rotating", "endpoint", endpoint, "method", method, "error", err)
	}
	return nil, fmt.Errorf("all %d endpoints failed: %w", len(c.endpoints), lastErr)
}

func (c *Client) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.active]
}

// rotate advances past from, unless another caller already did.
func (c *Client) rotate(from string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints[c.active] == from {
		c.active = (c.active + 1) % len(c.endpoints)
	}
}

func (c *Client) call(
	ctx context.Context,
	endpoint, method string,
	params []any,
) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
