package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetRespectsTTL(t *testing.T) {
	c := New()
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", 42, 15*time.Second)

	if v, ok := c.Get("k"); !ok || v.(int) != 42 {
		t.Fatalf("expected fresh hit, got %v %v", v, ok)
	}

	c.now = func() time.Time { return base.Add(14 * time.Second) }
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before its ttl")
	}

	c.now = func() time.Time { return base.Add(15 * time.Second) }
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry served at its expiry boundary")
	}
}

func TestGetStaleAfterExpiry(t *testing.T) {
	c := New()
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", "v", time.Second)
	c.now = func() time.Time { return base.Add(time.Minute) }

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry visible through Get")
	}
	v, storedAt, ok := c.GetStale("k")
	if !ok || v.(string) != "v" {
		t.Fatalf("stale lookup failed: %v %v", v, ok)
	}
	if !storedAt.Equal(base) {
		t.Fatalf("unexpected storedAt %v", storedAt)
	}
}

func TestGetOrComputeCoalesces(t *testing.T) {
	c := New()
	var calls atomic.Int64
	release := make(chan struct{})

	compute := func() (any, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "fp", time.Minute, compute)
		}(i)
	}

	// Give every goroutine a chance to subscribe before resolving.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 compute invocation, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if results[i].(string) != "result" {
			t.Fatalf("caller %d got %v", i, results[i])
		}
	}
}

func TestGetOrComputeSharesFailure(t *testing.T) {
	c := New()
	sentinel := errors.New("upstream down")
	var calls atomic.Int64
	release := make(chan struct{})

	compute := func() (any, error) {
		calls.Add(1)
		<-release
		return nil, sentinel
	}

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = c.GetOrCompute(context.Background(), "fp", time.Minute, compute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected 1 invocation, got %d", calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, sentinel) {
			t.Fatalf("caller %d got %v, want sentinel", i, err)
		}
	}
	if _, ok := c.Get("fp"); ok {
		t.Fatal("failed computation must not populate the cache")
	}
}

func TestGetOrComputeStoresBeforeReturn(t *testing.T) {
	c := New()
	v, cached, err := c.GetOrCompute(context.Background(), "fp", time.Minute, func() (any, error) {
		return 7, nil
	})
	if err != nil || cached || v.(int) != 7 {
		t.Fatalf("unexpected result %v %v %v", v, cached, err)
	}
	if got, ok := c.Get("fp"); !ok || got.(int) != 7 {
		t.Fatal("value not stored after successful compute")
	}

	v, cached, err = c.GetOrCompute(context.Background(), "fp", time.Minute, func() (any, error) {
		t.Fatal("compute invoked on warm cache")
		return nil, nil
	})
	if err != nil || !cached || v.(int) != 7 {
		t.Fatalf("expected cached hit, got %v %v %v", v, cached, err)
	}
}

func TestGetOrComputeWaiterCancellation(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), "fp", time.Minute, func() (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.GetOrCompute(ctx, "fp", time.Minute, func() (any, error) {
		return nil, errors.New("should not run")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The original computation still completes and populates the cache.
	close(release)
	deadline := time.After(time.Second)
	for {
		if v, ok := c.Get("fp"); ok {
			if v.(string) != "late" {
				t.Fatalf("unexpected value %v", v)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("cache never populated by detached computation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweepReclaimsDeadEntries(t *testing.T) {
	c := New()
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("dead", 1, time.Second)
	c.Set("fresh", 2, time.Hour)

	c.now = func() time.Time { return base.Add(10 * time.Minute) }
	if removed := c.Sweep(time.Minute); removed != 1 {
		t.Fatalf("expected 1 reclaimed entry, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("fresh entry swept")
	}
}
