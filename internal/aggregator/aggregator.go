// Package aggregator is the resilience layer between metric consumers and
// the external sources. Every fetch flows cache, circuit breaker, rate
// limiter, bounded retry, parse; concurrent requests for the same metric
// coalesce into a single upstream call.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"usdfc-telemetry/internal/breaker"
	"usdfc-telemetry/internal/cache"
	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/ratelimit"
	"usdfc-telemetry/internal/source"
)

// Provenance records where a served value came from.
type Provenance string

const (
	// ProvenanceFresh marks a value fetched from the source on this call.
	ProvenanceFresh Provenance = "fresh"
	// ProvenanceCached marks an unexpired cached value.
	ProvenanceCached Provenance = "cached"
	// ProvenanceStale marks an expired value served because revalidation
	// failed.
	ProvenanceStale Provenance = "stale"
)

// Result is the outcome of one metric fetch.
type Result struct {
	MetricID   string
	Value      any
	Provenance Provenance
	Source     string

	// StoredAt is when a stale value was originally cached. Zero otherwise.
	StoredAt time.Time

	// Err is the revalidation failure behind a stale value. Nil unless
	// Provenance is ProvenanceStale.
	Err error
}

// Code classifies the result for API consumers.
func (r Result) Code() Code {
	if r.Provenance == ProvenanceStale {
		return CodeStale
	}
	return CodeOK
}

// SourceHealth is one source's row in the health snapshot.
type SourceHealth struct {
	Source        string        `json:"source"`
	State         string        `json:"state"`
	Failures      int           `json:"failures"`
	RetryAfter    time.Duration `json:"retry_after"`
	Tokens        float64       `json:"tokens"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// Options parameterise the aggregator.
type Options struct {
	Registry *metrics.Registry
	Clients  []source.Client

	// Cache defaults to a fresh instance when nil.
	Cache *cache.Cache
	// Limiter defaults to 5 tokens/s with burst 10 per source when nil.
	Limiter *ratelimit.Limiter
	// Breakers holds per-source breaker tuning, keyed by source name.
	Breakers map[string]breaker.Options

	// MaxRetries bounds the extra attempts after the first failed transient
	// call. Defaults to 2.
	MaxRetries int
	// RetryBase is the first backoff delay; it doubles per retry. Defaults
	// to 100ms.
	RetryBase time.Duration
}

// Aggregator coordinates the metric registry, the source clients and the
// resilience primitives.
type Aggregator struct {
	registry *metrics.Registry
	clients  map[string]source.Client
	breakers map[string]*breaker.Breaker
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger

	maxRetries int
	retryBase  time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an aggregator over the given clients. One breaker is
// created per client.
func New(opts Options, logger zerolog.Logger) *Aggregator {
	if opts.Cache == nil {
		opts.Cache = cache.New()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewKeyed(5, 10)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}

	a := &Aggregator{
		registry:   opts.Registry,
		clients:    make(map[string]source.Client, len(opts.Clients)),
		breakers:   make(map[string]*breaker.Breaker, len(opts.Clients)),
		cache:      opts.Cache,
		limiter:    opts.Limiter,
		logger:     logger.With().Str("component", "aggregator").Logger(),
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		sleep:      sleepCtx,
	}

	for _, client := range opts.Clients {
		name := client.Name()
		a.clients[name] = client
		a.breakers[name] = breaker.New(opts.Breakers[name])
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Cache exposes the underlying cache, for sweeper wiring.
func (a *Aggregator) Cache() *cache.Cache { return a.cache }

// Fetch returns the metric's current value. Identical concurrent requests
// share one upstream call; on upstream failure an expired cached value is
// served with its failure attached.
func (a *Aggregator) Fetch(ctx context.Context, metricID string, params map[string]string) (Result, error) {
	def, ok := a.registry.Get(metricID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownMetric, metricID)
	}

	key := fingerprint(metricID, params)

	// The computation is detached from the waiter's context so a cancelled
	// caller does not abort the shared flight.
	detached := context.WithoutCancel(ctx)
	value, cached, err := a.cache.GetOrCompute(ctx, key, def.TTL, func() (any, error) {
		return a.fetchUpstream(detached, def, params)
	})

	if err == nil {
		prov := ProvenanceFresh
		if cached {
			prov = ProvenanceCached
		}
		return Result{MetricID: metricID, Value: value, Provenance: prov, Source: def.Source}, nil
	}

	if ctx.Err() != nil {
		return Result{}, err
	}

	if stale, storedAt, ok := a.cache.GetStale(key); ok {
		a.logger.Warn().Err(err).Str("metric", metricID).Time("stored_at", storedAt).
			Msg("serving stale value after failed revalidation")
		return Result{
			MetricID:   metricID,
			Value:      stale,
			Provenance: ProvenanceStale,
			Source:     def.Source,
			StoredAt:   storedAt,
			Err:        err,
		}, nil
	}

	return Result{}, err
}

// fetchUpstream performs the guarded source call: breaker admission, rate
// limiting, bounded retries on transient failures, then payload parsing.
func (a *Aggregator) fetchUpstream(ctx context.Context, def metrics.Definition, params map[string]string) (any, error) {
	req, err := def.Request(params)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", def.ID, err)
	}

	client, ok := a.clients[def.Source]
	if !ok {
		return nil, fmt.Errorf("no client for source %s", def.Source)
	}
	br := a.breakers[def.Source]

	decision := br.Allow()
	if decision == breaker.Reject {
		return nil, &CircuitOpenError{Source: def.Source, RetryAfter: br.RetryAfter()}
	}

	attempts := a.maxRetries + 1
	if decision == breaker.ProceedAsProbe {
		// The half-open probe gets exactly one shot.
		attempts = 1
	}

	payload, err := a.attempt(ctx, client, br, def, req, attempts, decision)
	if err != nil {
		return nil, err
	}

	value, err := def.Parse(payload)
	if err != nil {
		// A malformed answer counts against the source just like no answer.
		br.RecordFailure()
		a.logger.Error().Err(err).Str("metric", def.ID).Msg("payload parse failed")
		return nil, err
	}

	br.RecordSuccess()
	return value, nil
}

func (a *Aggregator) attempt(ctx context.Context, client source.Client, br *breaker.Breaker, def metrics.Definition, req source.Request, attempts int, decision breaker.Decision) (source.Payload, error) {
	var lastErr error
	backoff := a.retryBase

	for i := 0; i < attempts; i++ {
		if i > 0 {
			a.logger.Debug().Str("metric", def.ID).Int("attempt", i+1).Dur("backoff", backoff).
				Msg("retrying transient failure")
			if err := a.sleep(ctx, backoff); err != nil {
				return source.Payload{}, err
			}
			backoff *= 2
		}

		if !a.limiter.Acquire(def.Source) {
			// A denied token is not a source failure. An admitted probe that
			// never ran hands its slot back instead of wedging half-open.
			if decision == breaker.ProceedAsProbe {
				br.CancelProbe()
			}
			return source.Payload{}, &ratelimit.Error{Scope: def.Source}
		}

		payload, err := client.Fetch(ctx, req)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		br.RecordFailure()

		var transientErr *source.TransientError
		if !errors.As(err, &transientErr) {
			// The source answered with an error; retrying cannot help.
			return source.Payload{}, err
		}
		if br.State() == breaker.StateOpen {
			break
		}
	}

	return source.Payload{}, lastErr
}

// Health reports per-source breaker and limiter state, sorted by source
// name.
func (a *Aggregator) Health() []SourceHealth {
	health := make([]SourceHealth, 0, len(a.breakers))
	for name, br := range a.breakers {
		status := br.Snapshot()
		health = append(health, SourceHealth{
			Source:        name,
			State:         status.State.String(),
			Failures:      status.Failures,
			RetryAfter:    br.RetryAfter(),
			Tokens:        a.limiter.Tokens(name),
			LastSuccessAt: status.LastSuccessAt,
			LastFailureAt: status.LastFailureAt,
		})
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Source < health[j].Source })
	return health
}

// fingerprint derives the cache key: the metric id plus its parameters in
// sorted order, so semantically identical requests collide.
func fingerprint(metricID string, params map[string]string) string {
	if len(params) == 0 {
		return metricID
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(metricID)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
