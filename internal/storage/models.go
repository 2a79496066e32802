package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MetricSnapshot is one persisted metric observation for a bucket.
type MetricSnapshot struct {
	Bucket     time.Time
	MetricID   string
	Value      json.RawMessage
	Provenance string
	Source     string
	Status     string
	Error      *string
	CreatedAt  time.Time
}

// AlertRecord captures an emitted TCR alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	SampleTS  time.Time
	TCR       decimal.Decimal
	Threshold decimal.Decimal
	Severity  string
	Channels  []string
	CreatedAt time.Time
}
