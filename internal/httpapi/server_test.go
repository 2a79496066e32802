package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"usdfc-telemetry/internal/aggregator"
	"usdfc-telemetry/internal/config"
	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/source"
)

type fakeSource struct {
	name string
	err  error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, req source.Request) (source.Payload, error) {
	if f.err != nil {
		return source.Payload{}, f.err
	}
	frame := make([]byte, 32)
	new(big.Int).Mul(big.NewInt(3), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)).FillBytes(frame)
	return source.Payload{Frames: [][]byte{frame}}, nil
}

func testServer(t *testing.T, src source.Client, serverCfg config.ServerConfig) *Server {
	t.Helper()
	agg := aggregator.New(aggregator.Options{
		Registry: metrics.NewRegistry(metrics.Contracts{}, "0xtoken", nil),
		Clients:  []source.Client{src},
	}, zerolog.Nop())

	if serverCfg.RatePerSec == 0 {
		serverCfg.RatePerSec = 100
		serverCfg.RateBurst = 100
	}
	serverCfg.ShutdownTimeout = time.Second
	return New(serverCfg, agg, zerolog.Nop())
}

func doRequest(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "198.51.100.7:40000"
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestMetricEndpoint(t *testing.T) {
	s := testServer(t, &fakeSource{name: source.NameRPC}, config.ServerConfig{})

	rec := doRequest(s, "/api/v1/metrics/fil_price")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp metricResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Code != "OK" || resp.Provenance != "fresh" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.Data == nil {
		t.Fatal("data missing")
	}

	rec = doRequest(s, "/api/v1/metrics/fil_price")
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Provenance != "cached" {
		t.Fatalf("second hit should be cached, got %s", resp.Provenance)
	}
}

func TestUnknownMetric404(t *testing.T) {
	s := testServer(t, &fakeSource{name: source.NameRPC}, config.ServerConfig{})

	rec := doRequest(s, "/api/v1/metrics/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSourceUnavailable503(t *testing.T) {
	src := &fakeSource{name: source.NameRPC, err: &source.TransientError{Source: source.NameRPC, Err: errors.New("down")}}
	s := testServer(t, src, config.ServerConfig{})

	rec := doRequest(s, "/api/v1/metrics/fil_price")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp metricResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "SOURCE_UNAVAILABLE" {
		t.Fatalf("code = %s", resp.Code)
	}
}

func TestInboundThrottle(t *testing.T) {
	s := testServer(t, &fakeSource{name: source.NameRPC}, config.ServerConfig{
		RatePerSec: 0.001,
		RateBurst:  2,
	})

	for i := 0; i < 2; i++ {
		if rec := doRequest(s, "/api/v1/health"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := doRequest(s, "/api/v1/health")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("第三个请求应被限流, 实际 %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, &fakeSource{name: source.NameRPC}, config.ServerConfig{})

	rec := doRequest(s, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Sources []struct {
			Source string `json:"source"`
			State  string `json:"state"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Source != source.NameRPC {
		t.Fatalf("unexpected health payload: %+v", resp)
	}
	if resp.Sources[0].State != "closed" {
		t.Fatalf("state = %s", resp.Sources[0].State)
	}
}
