package alerting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Evaluator decides whether a TCR reading warrants an alert. A severity is
// suppressed for the cooldown window after it last fired; an escalation to
// danger is never suppressed by an earlier warning.
type Evaluator struct {
	warning  decimal.Decimal
	danger   decimal.Decimal
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewEvaluator constructs an evaluator from percentage thresholds.
func NewEvaluator(warning, danger float64, cooldown time.Duration) *Evaluator {
	return &Evaluator{
		warning:  decimal.NewFromFloat(warning),
		danger:   decimal.NewFromFloat(danger),
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Evaluate classifies a TCR reading. fire reports whether an alert should be
// dispatched now; the severity and crossed threshold are returned whenever
// the reading breaches one, fired or not.
func (e *Evaluator) Evaluate(tcr decimal.Decimal) (severity string, threshold decimal.Decimal, fire bool) {
	switch {
	case tcr.LessThan(e.danger):
		severity, threshold = SeverityDanger, e.danger
	case tcr.LessThan(e.warning):
		severity, threshold = SeverityWarning, e.warning
	default:
		return "", decimal.Decimal{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if last, ok := e.lastSent[severity]; ok && now.Sub(last) < e.cooldown {
		return severity, threshold, false
	}
	e.lastSent[severity] = now
	return severity, threshold, true
}
