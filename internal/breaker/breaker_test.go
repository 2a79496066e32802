package breaker

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(Options{FailureThreshold: threshold, Cooldown: cooldown, MaxCooldown: 8 * cooldown})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensOnThresholdFailure(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		if b.Allow() != Proceed {
			t.Fatalf("call %d should proceed", i)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatal("circuit opened before the threshold")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("5th consecutive failure should open the circuit")
	}
	if b.Allow() != Reject {
		t.Fatal("open circuit must reject")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatal("success did not reset the consecutive failure count")
	}
	if got := b.Snapshot().Failures; got != 4 {
		t.Fatalf("expected 4 failures after reset, got %d", got)
	}
}

func TestProbeAdmittedAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("threshold 1 should open immediately")
	}

	*now = now.Add(29 * time.Second)
	if b.Allow() != Reject {
		t.Fatal("call admitted before cooldown elapsed")
	}

	*now = now.Add(time.Second)
	if b.Allow() != ProceedAsProbe {
		t.Fatal("expected probe admission after cooldown")
	}
	// Only one probe may be in flight.
	if b.Allow() != Reject {
		t.Fatal("second call admitted while probing")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*now = now.Add(30 * time.Second)
	if b.Allow() != ProceedAsProbe {
		t.Fatal("expected probe")
	}
	b.RecordSuccess()

	st := b.Snapshot()
	if st.State != StateClosed {
		t.Fatal("probe success should close the circuit")
	}
	if st.Failures != 0 {
		t.Fatalf("failure count not reset: %d", st.Failures)
	}
	if st.Cooldown != 30*time.Second {
		t.Fatalf("cooldown not reset to base: %v", st.Cooldown)
	}
}

func TestProbeFailureDoublesCooldown(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*now = now.Add(30 * time.Second)
	if b.Allow() != ProceedAsProbe {
		t.Fatal("expected probe")
	}
	b.RecordFailure()

	st := b.Snapshot()
	if st.State != StateOpen {
		t.Fatal("probe failure should reopen the circuit")
	}
	if st.Cooldown != 60*time.Second {
		t.Fatalf("cooldown should double to 60s, got %v", st.Cooldown)
	}

	// The doubled cooldown must elapse before the next probe.
	*now = now.Add(45 * time.Second)
	if b.Allow() != Reject {
		t.Fatal("probe admitted before doubled cooldown elapsed")
	}
	*now = now.Add(15 * time.Second)
	if b.Allow() != ProceedAsProbe {
		t.Fatal("expected probe after doubled cooldown")
	}
}

func TestCancelProbeReleasesSlot(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	*now = now.Add(30 * time.Second)
	if b.Allow() != ProceedAsProbe {
		t.Fatal("expected probe")
	}

	b.CancelProbe()

	st := b.Snapshot()
	if st.State != StateOpen {
		t.Fatal("cancelled probe should return to open")
	}
	if st.Cooldown != 30*time.Second {
		t.Fatalf("cancelled probe must not double the cooldown: %v", st.Cooldown)
	}
	// The cooldown already elapsed, so the slot is immediately reclaimable.
	if b.Allow() != ProceedAsProbe {
		t.Fatal("released slot should admit the next probe")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("probe success should close the circuit")
	}
}

func TestCooldownCap(t *testing.T) {
	b, now := newTestBreaker(1, 10*time.Second)

	b.RecordFailure()
	for i := 0; i < 10; i++ {
		*now = now.Add(time.Hour)
		if b.Allow() != ProceedAsProbe {
			t.Fatalf("probe %d not admitted", i)
		}
		b.RecordFailure()
	}

	if got := b.Snapshot().Cooldown; got != 80*time.Second {
		t.Fatalf("cooldown should cap at 80s, got %v", got)
	}
}

func TestRetryAfter(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	if b.RetryAfter() != 0 {
		t.Fatal("closed breaker should report zero retry delay")
	}
	b.RecordFailure()
	*now = now.Add(10 * time.Second)
	if got := b.RetryAfter(); got != 20*time.Second {
		t.Fatalf("expected 20s remaining, got %v", got)
	}
}
