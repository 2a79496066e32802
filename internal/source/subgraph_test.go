package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubgraphMissingConfig(t *testing.T) {
	s := NewSubgraph(SubgraphOptions{}, noopLogger())
	if _, err := s.Fetch(context.Background(), Request{GraphQL: "{ lendingMarkets { id } }"}); err == nil {
		t.Fatal("未配置 URL 时应报错")
	}

	s = NewSubgraph(SubgraphOptions{URL: "http://localhost"}, noopLogger())
	if _, err := s.Fetch(context.Background(), Request{}); err == nil {
		t.Fatal("缺少查询语句应报错")
	}
}

func TestSubgraphFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if !strings.Contains(req.Query, "lendingMarkets") {
			t.Errorf("unexpected query %q", req.Query)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"lendingMarkets":[{"id":"m1","currency":"USDFC","isActive":true}]}}`))
	}))
	defer srv.Close()

	s := NewSubgraph(SubgraphOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	payload, err := s.Fetch(context.Background(), Request{
		GraphQL:   `query($first: Int) { lendingMarkets(first: $first) { id } }`,
		Variables: map[string]any{"first": 10},
	})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(payload.Frames) != 1 {
		t.Fatalf("expected single data frame, got %d", len(payload.Frames))
	}
	if !strings.Contains(string(payload.Frames[0]), `"m1"`) {
		t.Fatalf("frame should carry the data object, got %s", payload.Frames[0])
	}
}

func TestSubgraphGraphQLErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"field missing"}]}`))
	}))
	defer srv.Close()

	s := NewSubgraph(SubgraphOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := s.Fetch(context.Background(), Request{GraphQL: "{ bad }"})
	if err == nil {
		t.Fatal("GraphQL errors 应返回错误")
	}
	var te *TransientError
	if errors.As(err, &te) {
		t.Fatal("GraphQL errors are deterministic and must not be retryable")
	}
}

func TestSubgraphServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSubgraph(SubgraphOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	var te *TransientError
	if _, err := s.Fetch(context.Background(), Request{GraphQL: "{ ok }"}); !errors.As(err, &te) {
		t.Fatalf("503 should be transient, got %v", err)
	}
}
