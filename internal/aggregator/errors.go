package aggregator

import (
	"errors"
	"fmt"
	"time"

	"usdfc-telemetry/internal/abicodec"
	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/ratelimit"
)

// Code classifies a fetch outcome for API consumers.
type Code string

const (
	CodeOK                Code = "OK"
	CodeStale             Code = "STALE"
	CodeSourceUnavailable Code = "SOURCE_UNAVAILABLE"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeDecodeError       Code = "DECODE_ERROR"
)

// ErrUnknownMetric reports a metric id missing from the registry.
var ErrUnknownMetric = errors.New("unknown metric")

// CircuitOpenError is returned when the source's breaker rejects the call
// without attempting the network.
type CircuitOpenError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry in %s", e.Source, e.RetryAfter.Round(time.Millisecond))
}

// Classify maps a fetch error to its outcome code. Stale serving is decided
// by provenance, not by the error, so this never returns CodeStale.
func Classify(err error) Code {
	if err == nil {
		return CodeOK
	}

	var rateErr *ratelimit.Error
	if errors.As(err, &rateErr) {
		return CodeRateLimited
	}

	var decodeErr *abicodec.DecodeError
	var parseErr *metrics.ParseError
	if errors.As(err, &decodeErr) || errors.As(err, &parseErr) {
		return CodeDecodeError
	}

	// Circuit-open rejections, exhausted transient retries and anything
	// unrecognised all mean the source could not serve.
	return CodeSourceUnavailable
}
