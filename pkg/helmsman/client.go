// Package helmsman provides a Go client for the helmsman-engine control
// plane: reads of the reconciled state and submission of operator commands.
// Read responses are returned as raw JSON so callers decide how much of the
// wire format to decode.
package helmsman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a helmsman-engine control-plane API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://127.0.0.1:8090".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the engine.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// OrdersQuery narrows Orders. The zero value returns everything.
type OrdersQuery struct {
	Open   bool
	Symbol string
	Status string
	Limit  int
}

// Health returns the engine's health document. The engine answers 503 while
// unhealthy; the body is still returned alongside the APIError.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/health", nil)
}

// Positions returns the reconciled position snapshot.
func (c *Client) Positions(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/positions", nil)
}

// Orders returns orders matching the query.
func (c *Client) Orders(ctx context.Context, q OrdersQuery) (json.RawMessage, error) {
	v := url.Values{}
	if q.Open {
		v.Set("open", "true")
	}
	if q.Symbol != "" {
		v.Set("symbol", q.Symbol)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return c.get(ctx, "/api/orders", v)
}

// Order returns one order with its fill history.
func (c *Client) Order(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/api/orders/"+url.PathEscape(id), nil)
}

// Protections returns the protection links.
func (c *Client) Protections(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/protections", nil)
}

// Commands returns recent commands.
func (c *Client) Commands(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/commands", nil)
}

// Command returns one command and its outcome.
func (c *Client) Command(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, "/api/commands/"+url.PathEscape(id), nil)
}

// SubmitCommand submits an operator command. The id is the idempotency key:
// re-submitting the same id with the same payload returns the stored state
// without executing twice.
func (c *Client) SubmitCommand(ctx context.Context, id, kind string, payload any) (json.RawMessage, error) {
	body := map[string]any{"id": id, "kind": kind}
	if payload != nil {
		body["payload"] = payload
	}
	return c.post(ctx, "/api/commands", body)
}

// KillSwitch trips the engine's kill switch. The engine generates a command
// id when id is empty.
func (c *Client) KillSwitch(ctx context.Context, id, confirmToken string) (json.RawMessage, error) {
	return c.post(ctx, "/api/killswitch", map[string]any{
		"id":            id,
		"confirm_token": confirmToken,
	})
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		msg := resp.Status
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return raw, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return raw, nil
}
