package aggregator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"usdfc-telemetry/internal/breaker"
	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/ratelimit"
	"usdfc-telemetry/internal/source"
)

// stubClient answers as the given source; fetch receives the 1-based call
// count.
type stubClient struct {
	name  string
	fetch func(n int) (source.Payload, error)

	mu    sync.Mutex
	calls int
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Fetch(ctx context.Context, req source.Request) (source.Payload, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fetch(n)
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func wordFrame(v *big.Int) []byte {
	frame := make([]byte, 32)
	v.FillBytes(frame)
	return frame
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func okPayload() (source.Payload, error) {
	return source.Payload{Frames: [][]byte{wordFrame(e18(7))}}, nil
}

func testAggregator(t *testing.T, client *stubClient, opts Options) *Aggregator {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = metrics.NewRegistry(metrics.Contracts{}, "0xtoken", nil)
	}
	opts.Clients = []source.Client{client}
	a := New(opts, zerolog.Nop())
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func TestFreshThenCached(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return okPayload()
	}}
	a := testAggregator(t, client, Options{})

	res, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if res.Provenance != ProvenanceFresh {
		t.Fatalf("first fetch provenance %s", res.Provenance)
	}
	if !res.Value.(decimal.Decimal).Equal(decimal.NewFromInt(7)) {
		t.Fatalf("value = %v", res.Value)
	}
	if res.Code() != CodeOK {
		t.Fatalf("code = %s", res.Code())
	}

	res, err = a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if res.Provenance != ProvenanceCached {
		t.Fatalf("second fetch provenance %s", res.Provenance)
	}
	if client.callCount() != 1 {
		t.Fatalf("缓存命中后不应再访问上游, 实际调用 %d 次", client.callCount())
	}
}

func TestStaleServedWhenRevalidationFails(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(n int) (source.Payload, error) {
		if n == 1 {
			return okPayload()
		}
		return source.Payload{}, &source.TransientError{Source: source.NameRPC, Err: errors.New("connection reset")}
	}}

	// A nanosecond ttl expires the entry before the next fetch.
	reg := metrics.NewRegistry(metrics.Contracts{}, "0xtoken",
		map[string]time.Duration{metrics.IDFILPrice: time.Nanosecond})
	a := testAggregator(t, client, Options{Registry: reg, MaxRetries: 1})

	if _, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}
	time.Sleep(time.Millisecond)

	res, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err != nil {
		t.Fatalf("stale fallback should not error: %v", err)
	}
	if res.Provenance != ProvenanceStale {
		t.Fatalf("provenance %s, want stale", res.Provenance)
	}
	if res.Err == nil {
		t.Fatal("stale result must carry the revalidation failure")
	}
	if res.StoredAt.IsZero() {
		t.Fatal("stale result must report when the value was stored")
	}
	if res.Code() != CodeStale {
		t.Fatalf("code = %s", res.Code())
	}
	if !res.Value.(decimal.Decimal).Equal(decimal.NewFromInt(7)) {
		t.Fatalf("stale value = %v", res.Value)
	}
}

func TestCircuitOpensAndFailsFast(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return source.Payload{}, &source.TransientError{Source: source.NameRPC, Err: errors.New("timeout")}
	}}
	a := testAggregator(t, client, Options{
		MaxRetries: 5,
		Breakers: map[string]breaker.Options{
			source.NameRPC: {FailureThreshold: 2, Cooldown: time.Minute},
		},
	})

	_, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err == nil {
		t.Fatal("fetch against a dead source should fail")
	}
	// The retry loop stops as soon as the second failure opens the circuit.
	if client.callCount() != 2 {
		t.Fatalf("expected 2 attempts before the circuit opened, got %d", client.callCount())
	}

	_, err = a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("熔断后应快速失败, 实际错误 %v", err)
	}
	if openErr.RetryAfter <= 0 {
		t.Fatalf("retry_after = %s", openErr.RetryAfter)
	}
	if client.callCount() != 2 {
		t.Fatalf("open circuit must not contact the source, calls = %d", client.callCount())
	}
	if Classify(err) != CodeSourceUnavailable {
		t.Fatalf("code = %s", Classify(err))
	}
}

func TestRateLimitedWithoutBreakerPenalty(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return okPayload()
	}}
	a := testAggregator(t, client, Options{
		Limiter: ratelimit.NewKeyed(0.001, 1),
	})

	if _, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	// Same source scope, different metric: the bucket is empty.
	_, err := a.Fetch(context.Background(), metrics.IDTotalSupply, nil)
	var rateErr *ratelimit.Error
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if Classify(err) != CodeRateLimited {
		t.Fatalf("code = %s", Classify(err))
	}
	if client.callCount() != 1 {
		t.Fatalf("denied token must not reach the source, calls = %d", client.callCount())
	}

	for _, h := range a.Health() {
		if h.Source == source.NameRPC && (h.State != "closed" || h.Failures != 0) {
			t.Fatalf("rate limiting must not trip the breaker: %+v", h)
		}
	}
}

func TestDecodeErrorNotRetried(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return source.Payload{Frames: [][]byte{{0xde, 0xad}}}, nil
	}}
	a := testAggregator(t, client, Options{MaxRetries: 5})

	_, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err == nil {
		t.Fatal("malformed payload should fail")
	}
	if Classify(err) != CodeDecodeError {
		t.Fatalf("code = %s", Classify(err))
	}
	if client.callCount() != 1 {
		t.Fatalf("decode failures are deterministic and must not retry, calls = %d", client.callCount())
	}

	for _, h := range a.Health() {
		if h.Source == source.NameRPC && h.Failures != 1 {
			t.Fatalf("a malformed payload must count against the source: %+v", h)
		}
	}
}

func TestDecodeFailuresOpenCircuit(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return source.Payload{Frames: [][]byte{{0xde, 0xad}}}, nil
	}}
	a := testAggregator(t, client, Options{
		Breakers: map[string]breaker.Options{
			source.NameRPC: {FailureThreshold: 2, Cooldown: time.Minute},
		},
	})

	for i := 0; i < 2; i++ {
		if _, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil); err == nil {
			t.Fatalf("fetch %d should fail on the malformed payload", i+1)
		}
	}

	_, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("持续返回坏数据的源应触发熔断, 实际错误 %v", err)
	}
	if client.callCount() != 2 {
		t.Fatalf("open circuit must not contact the source, calls = %d", client.callCount())
	}
}

func TestPermanentSourceErrorNotRetried(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return source.Payload{}, errors.New("execution reverted")
	}}
	a := testAggregator(t, client, Options{MaxRetries: 5})

	_, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err == nil {
		t.Fatal("permanent upstream error should surface")
	}
	if client.callCount() != 1 {
		t.Fatalf("permanent errors must not retry, calls = %d", client.callCount())
	}

	for _, h := range a.Health() {
		if h.Source == source.NameRPC && (h.State != "closed" || h.Failures != 1) {
			t.Fatalf("an upstream error is one breaker failure: %+v", h)
		}
	}
}

func TestProbeDeniedTokenReleasesSlot(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(n int) (source.Payload, error) {
		if n == 1 {
			return source.Payload{}, &source.TransientError{Source: source.NameRPC, Err: errors.New("timeout")}
		}
		return okPayload()
	}}
	a := testAggregator(t, client, Options{
		Limiter: ratelimit.NewKeyed(0.001, 1),
		Breakers: map[string]breaker.Options{
			source.NameRPC: {FailureThreshold: 1, Cooldown: time.Millisecond},
		},
	})

	if _, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil); err == nil {
		t.Fatal("first fetch should fail and open the circuit")
	}
	time.Sleep(5 * time.Millisecond)

	// The probe is admitted but the token bucket is empty.
	_, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	var rateErr *ratelimit.Error
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if client.callCount() != 1 {
		t.Fatalf("denied token must not reach the source, calls = %d", client.callCount())
	}
	for _, h := range a.Health() {
		if h.Source == source.NameRPC && h.State != "open" {
			t.Fatalf("未执行的探测应交还探测名额, 状态 %s", h.State)
		}
	}

	// With tokens available again, the next call claims the probe slot.
	a.limiter = ratelimit.NewKeyed(0.001, 1)
	res, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err != nil {
		t.Fatalf("probe with a token should run: %v", err)
	}
	if res.Provenance != ProvenanceFresh {
		t.Fatalf("provenance %s", res.Provenance)
	}
	for _, h := range a.Health() {
		if h.Source == source.NameRPC && h.State != "closed" {
			t.Fatalf("successful probe should close the circuit: %+v", h)
		}
	}
}

func TestTransientRetrySucceeds(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(n int) (source.Payload, error) {
		if n < 3 {
			return source.Payload{}, &source.TransientError{Source: source.NameRPC, Err: errors.New("503")}
		}
		return okPayload()
	}}
	a := testAggregator(t, client, Options{MaxRetries: 2})

	res, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil)
	if err != nil {
		t.Fatalf("fetch should succeed on the third attempt: %v", err)
	}
	if res.Provenance != ProvenanceFresh {
		t.Fatalf("provenance %s", res.Provenance)
	}
	if client.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", client.callCount())
	}
}

func TestUnknownMetric(t *testing.T) {
	client := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return okPayload()
	}}
	a := testAggregator(t, client, Options{})

	_, err := a.Fetch(context.Background(), "no_such_metric", nil)
	if !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}

func TestHealthSnapshotSorted(t *testing.T) {
	rpcClient := &stubClient{name: source.NameRPC, fetch: func(int) (source.Payload, error) {
		return okPayload()
	}}
	geckoClient := &stubClient{name: source.NameGecko, fetch: func(int) (source.Payload, error) {
		return source.Payload{}, nil
	}}

	a := New(Options{
		Registry: metrics.NewRegistry(metrics.Contracts{}, "0xtoken", nil),
		Clients:  []source.Client{rpcClient, geckoClient},
	}, zerolog.Nop())

	if _, err := a.Fetch(context.Background(), metrics.IDFILPrice, nil); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	health := a.Health()
	if len(health) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(health))
	}
	if health[0].Source != source.NameGecko || health[1].Source != source.NameRPC {
		t.Fatalf("health not sorted: %s, %s", health[0].Source, health[1].Source)
	}
	rpc := health[1]
	if rpc.State != "closed" || rpc.LastSuccessAt.IsZero() {
		t.Fatalf("rpc health %+v", rpc)
	}
}

func TestFingerprint(t *testing.T) {
	a := fingerprint("troves", map[string]string{"limit": "50", "order": "desc"})
	b := fingerprint("troves", map[string]string{"order": "desc", "limit": "50"})
	if a != b {
		t.Fatalf("参数顺序不应影响指纹: %q vs %q", a, b)
	}

	c := fingerprint("troves", map[string]string{"limit": "100"})
	if a == c {
		t.Fatal("different params must not collide")
	}
	if fingerprint("troves", nil) != "troves" {
		t.Fatal("bare metric id should fingerprint to itself")
	}
}
