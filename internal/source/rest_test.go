package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRESTFetchMissingBaseURL(t *testing.T) {
	c := NewBlockscout(RESTOptions{}, noopLogger())
	if _, err := c.Fetch(context.Background(), Request{Path: "/tokens"}); err == nil {
		t.Fatal("缺少 base url 时应返回错误")
	}
}

func TestRESTFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens/0xabc/holders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "25" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	c := NewBlockscout(RESTOptions{BaseURL: srv.URL, Timeout: time.Second, UserAgent: "test"}, noopLogger())
	payload, err := c.Fetch(context.Background(), Request{
		Path:  "/tokens/0xabc/holders",
		Query: Values("limit", "25"),
	})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(payload.Frames) != 1 || len(payload.Frames[0]) == 0 {
		t.Fatalf("expected a single body frame, got %d", len(payload.Frames))
	}
}

func TestRESTFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewGecko(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := c.Fetch(context.Background(), Request{Path: "/pools"})

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("5xx 应归类为瞬时错误, got %v", err)
	}
	if te.Source != NameGecko {
		t.Fatalf("transient error names %q", te.Source)
	}
}

func TestRESTFetchRateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewGecko(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	var te *TransientError
	if _, err := c.Fetch(context.Background(), Request{Path: "/pools"}); !errors.As(err, &te) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
}

func TestRESTFetchClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewBlockscout(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := c.Fetch(context.Background(), Request{Path: "/missing"})
	if err == nil {
		t.Fatal("HTTP 404 应返回错误")
	}
	var te *TransientError
	if errors.As(err, &te) {
		t.Fatal("4xx must not be marked transient")
	}
}
