// internal/llm/client_test.go
package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func completionHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		})
	}
}

func TestClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Path = %q, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Missing or wrong Authorization header")
		}

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "test-model" {
			t.Errorf("Model = %q, want test-model", body.Model)
		}
		if len(body.Messages) != 2 || body.Messages[1].Content != "analyze this" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}

		completionHandler(t, `{"riskLevel": "LOW"}`)(w, r)
	}))
	defer server.Close()

	client := NewClient([]Endpoint{{URL: server.URL, Model: "test-model", APIKey: "test-key"}}, 5*time.Second)
	text, err := client.Complete(context.Background(), "analyze this")
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if text != `{"riskLevel": "LOW"}` {
		t.Errorf("text = %q", text)
	}
}

func TestClientFallback(t *testing.T) {
	// First server fails, second succeeds
	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failServer.Close()

	successServer := httptest.NewServer(completionHandler(t, "ok"))
	defer successServer.Close()

	endpoints := []Endpoint{
		{URL: failServer.URL, Model: "primary", APIKey: "key1"},
		{URL: successServer.URL, Model: "fallback", APIKey: "key2"},
	}
	client := NewClient(endpoints, 5*time.Second)
	text, err := client.Complete(context.Background(), "test")
	if err != nil {
		t.Fatalf("Expected fallback to succeed, got: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q, want ok", text)
	}
}

func TestClientAllUnavailable(t *testing.T) {
	endpoints := []Endpoint{
		{URL: "http://127.0.0.1:59998", Model: "ep1", APIKey: "key"},
		{URL: "http://127.0.0.1:59999", Model: "ep2", APIKey: "key"},
	}
	client := NewClient(endpoints, 2*time.Second)
	_, err := client.Complete(context.Background(), "test")
	if err == nil {
		t.Fatal("Expected error when all endpoints unavailable")
	}
	if !IsUnavailable(err) {
		t.Errorf("Expected ErrLLMUnavailable, got: %v", err)
	}
}

func TestClientNoEndpoints(t *testing.T) {
	_, err := NewClient(nil, 0).Complete(context.Background(), "test")
	if !IsUnavailable(err) {
		t.Errorf("Expected ErrLLMUnavailable, got: %v", err)
	}
}

func TestClientNonRetryableError(t *testing.T) {
	var secondCalled bool
	badRequest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer badRequest.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled = true
	}))
	defer second.Close()

	client := NewClient([]Endpoint{{URL: badRequest.URL}, {URL: second.URL}}, 5*time.Second)
	_, err := client.Complete(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if IsUnavailable(err) {
		t.Error("auth failure should not be reported as unavailable")
	}
	if secondCalled {
		t.Error("fallback endpoint should not be tried after a non-availability error")
	}
}

func TestClientTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		completionHandler(t, "late")(w, r)
	}))
	defer slow.Close()

	client := NewClient([]Endpoint{{URL: slow.URL}}, 50*time.Millisecond)
	_, err := client.Complete(context.Background(), "test")
	if !IsUnavailable(err) {
		t.Errorf("timeout should surface as unavailable, got %v", err)
	}
}
