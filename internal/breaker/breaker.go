package breaker

import (
	"sync"
	"time"
)

// State captures circuit breaker states.
type State int

const (
	// StateClosed indicates normal operation.
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls.
	StateOpen
	// StateHalfOpen indicates a single trial call is permitted.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Allow.
type Decision int

const (
	// Proceed admits the call normally.
	Proceed Decision = iota
	// ProceedAsProbe admits the call as the single half-open probe.
	ProceedAsProbe
	// Reject fails the call fast without contacting the source.
	Reject
)

// Options tune a breaker instance.
type Options struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is the base open duration before a probe is admitted.
	Cooldown time.Duration
	// MaxCooldown caps the doubling applied on repeated probe failures.
	MaxCooldown time.Duration
}

// Breaker is a per-source failure/recovery state machine. Callers must
// resolve every admitted call with RecordSuccess or RecordFailure; an
// admitted probe that never reaches the source is handed back with
// CancelProbe.
type Breaker struct {
	mu sync.Mutex

	opts     Options
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	probing  bool

	lastSuccess time.Time
	lastFailure time.Time

	now func() time.Time
}

// Status is a point-in-time view for health reporting.
type Status struct {
	State         State
	Failures      int
	Cooldown      time.Duration
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// New constructs a closed breaker.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.MaxCooldown < opts.Cooldown {
		opts.MaxCooldown = 8 * opts.Cooldown
	}
	return &Breaker{
		opts:     opts,
		state:    StateClosed,
		cooldown: opts.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may be attempted right now.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return Proceed
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return ProceedAsProbe
		}
		return Reject
	case StateHalfOpen:
		// The probe slot is already taken.
		return Reject
	default:
		return Reject
	}
}

// RecordSuccess marks a permitted attempt as successful.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.cooldown = b.opts.Cooldown
		b.probing = false
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure marks a permitted attempt as failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.cooldown *= 2
		if b.cooldown > b.opts.MaxCooldown {
			b.cooldown = b.opts.MaxCooldown
		}
	}
}

// CancelProbe releases an admitted probe that was never attempted, so a
// later call can claim the slot. The cooldown clock is not restarted: the
// probe did not fail, it just never ran.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter reports how long until the next probe may be admitted. Zero
// when the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns the current status for health reporting.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:         b.state,
		Failures:      b.failures,
		Cooldown:      b.cooldown,
		LastSuccessAt: b.lastSuccess,
		LastFailureAt: b.lastFailure,
	}
}
