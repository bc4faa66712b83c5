package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/models"
)

// staticTokens is a TokenSource returning a fixed token, counting forced
// refreshes.
type staticTokens struct {
	token     string
	refreshed atomic.Int32
}

func (s *staticTokens) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	if forceRefresh {
		s.refreshed.Add(1)
		s.token = "refreshed-token"
	}
	return s.token, nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *staticTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &staticTokens{token: "token-1"}
	client := NewClient(&Config{BaseURL: srv.URL, RequestsPerSecond: 1000}, tokens)
	return client, tokens
}

func ok(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"success": true, "data": ` + data + `}`))
}

// TestListUnwrapsEnvelope verifies a collection fetch decodes the success
// envelope into raw items.
func TestListUnwrapsEnvelope(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/injections" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Unexpected auth header: %q", got)
		}
		ok(w, `[{"id":"a"},{"id":"b"}]`)
	}))

	items, err := client.List(context.Background(), models.EntityInjections)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Expected 2 items, got %d", len(items))
	}
}

// TestCreateSendsPayload verifies the create request shape.
func TestCreateSendsPayload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/vials" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		if body["id"] != "v1" {
			t.Errorf("Unexpected body: %v", body)
		}
		ok(w, `{"id":"v1"}`)
	}))

	data, err := client.Create(context.Background(), models.EntityVials, json.RawMessage(`{"id":"v1"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if string(data) != `{"id":"v1"}` {
		t.Errorf("Unexpected data: %s", data)
	}
}

// TestUpdateAndDeletePaths verifies the per-entity resource paths.
func TestUpdateAndDeletePaths(t *testing.T) {
	var gotMethod, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		ok(w, `{}`)
	}))

	if _, err := client.Update(context.Background(), models.EntityWeights, "w1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/v1/weights/w1" {
		t.Errorf("Unexpected update request: %s %s", gotMethod, gotPath)
	}

	if err := client.Delete(context.Background(), models.EntityWeights, "w1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/weights/w1" {
		t.Errorf("Unexpected delete request: %s %s", gotMethod, gotPath)
	}
}

// TestUnauthorizedRefreshesOnce verifies the 401 path: one forced refresh,
// one retry, then success.
func TestUnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	client, tokens := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer refreshed-token" {
			t.Errorf("Expected refreshed token on retry, got %q", got)
		}
		ok(w, `[]`)
	}))

	if _, err := client.List(context.Background(), models.EntityInjections); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 requests, got %d", calls.Load())
	}
	if tokens.refreshed.Load() != 1 {
		t.Errorf("Expected 1 forced refresh, got %d", tokens.refreshed.Load())
	}
}

// TestUnauthorizedTwiceIsAuthError verifies a 401 that survives the token
// refresh surfaces as a terminal auth error.
func TestUnauthorizedTwiceIsAuthError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.List(context.Background(), models.EntityInjections)
	if errors.Code(err) != errors.ErrAuth {
		t.Errorf("Expected AUTH_ERROR, got %v", err)
	}
	if errors.Retryable(err) {
		t.Error("Expected auth error to be terminal")
	}
}

// TestErrorClassification verifies status codes map to the retry taxonomy.
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  errors.ErrorCode
		retryable bool
	}{
		{"server fault", 500, "boom", errors.ErrServer, true},
		{"unavailable", 503, "down", errors.ErrServer, true},
		{"bad request", 400, "nope", errors.ErrClient, false},
		{"not found", 404, "gone", errors.ErrClient, false},
		{"envelope failure", 200, `{"success": false, "error": "conflict"}`, errors.ErrServer, true},
		{"bad envelope", 200, `<html>`, errors.ErrParse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := client.List(context.Background(), models.EntityInjections)
			if errors.Code(err) != tt.wantCode {
				t.Errorf("Expected %s, got %v", tt.wantCode, err)
			}
			if errors.Retryable(err) != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, err)
			}
		})
	}
}

// TestNetworkFailure verifies an unreachable host classifies as a network
// error.
func TestNetworkFailure(t *testing.T) {
	tokens := &staticTokens{token: "token-1"}
	client := NewClient(&Config{BaseURL: "http://127.0.0.1:1", RequestsPerSecond: 1000}, tokens)

	_, err := client.List(context.Background(), models.EntityInjections)
	if errors.Code(err) != errors.ErrNetwork {
		t.Errorf("Expected NETWORK_ERROR, got %v", err)
	}
	if !errors.Retryable(err) {
		t.Error("Expected network error to be retryable")
	}
}
