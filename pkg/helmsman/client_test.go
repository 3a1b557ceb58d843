package helmsman

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8090"
	c := NewClient(baseURL)

	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != baseURL {
		t.Errorf("expected baseURL %q, got %q", baseURL, c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestOrdersQueryEncoding(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Orders(context.Background(), OrdersQuery{Open: true, Symbol: "AAPL", Limit: 5}); err != nil {
		t.Fatalf("orders: %v", err)
	}
	if gotPath != "/api/orders?limit=5&open=true&symbol=AAPL" {
		t.Errorf("unexpected request path: %s", gotPath)
	}
}

func TestSubmitCommand(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/commands" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"cmd-1","status":"received"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	raw, err := c.SubmitCommand(context.Background(), "cmd-1", "confirm", map[string]string{"order_id": "ord-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Status != "received" {
		t.Errorf("unexpected response %s (err %v)", raw, err)
	}
	if gotBody["id"] != "cmd-1" || gotBody["kind"] != "confirm" {
		t.Errorf("unexpected request body: %v", gotBody)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"command cmd-1 already exists with a different payload"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.SubmitCommand(context.Background(), "cmd-1", "draft", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", apiErr.StatusCode)
	}
	if apiErr.Message != "command cmd-1 already exists with a different payload" {
		t.Errorf("message not decoded from body: %q", apiErr.Message)
	}
}
