package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSnapshotSQL = `INSERT INTO metric_snapshots (
        bucket_ts,
        metric_id,
        value,
        provenance,
        source,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (bucket_ts, metric_id) DO UPDATE
    SET
        value      = EXCLUDED.value,
        provenance = EXCLUDED.provenance,
        source     = EXCLUDED.source,
        status     = EXCLUDED.status,
        error      = EXCLUDED.error;`

	listSnapshotsBetweenSQL = `SELECT
        bucket_ts,
        metric_id,
        value,
        provenance,
        source,
        status,
        error,
        created_at
    FROM metric_snapshots
    WHERE metric_id = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	listRecentSnapshotsSQL = `SELECT
        bucket_ts,
        metric_id,
        value,
        provenance,
        source,
        status,
        error,
        created_at
    FROM metric_snapshots
    WHERE metric_id = $1
    ORDER BY bucket_ts DESC
    LIMIT $2;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM metric_snapshots;`

	deleteSnapshotsBeforeSQL = `DELETE FROM metric_snapshots WHERE bucket_ts < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        tcr,
        threshold,
        severity,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (sample_ts) DO UPDATE
    SET tcr       = EXCLUDED.tcr,
        threshold = EXCLUDED.threshold,
        severity  = EXCLUDED.severity,
        channels  = EXCLUDED.channels
    RETURNING id, sample_ts, tcr, threshold, severity, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        tcr,
        threshold,
        severity,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for metric snapshot persistence.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snapshot MetricSnapshot) error
	ListSnapshotsBetween(ctx context.Context, metricID string, from, to time.Time) ([]MetricSnapshot, error)
	ListRecentSnapshots(ctx context.Context, metricID string, limit int) ([]MetricSnapshot, error)
	CountSnapshots(ctx context.Context) (int64, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to metric snapshots and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSnapshot persists or updates a metric snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, snapshot MetricSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if snapshot.Error != nil {
		errMsg = *snapshot.Error
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snapshot.Bucket,
		snapshot.MetricID,
		[]byte(snapshot.Value),
		snapshot.Provenance,
		snapshot.Source,
		snapshot.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists one metric's snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, metricID string, from, to time.Time) ([]MetricSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, metricID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]MetricSnapshot, 0)
	for rows.Next() {
		snapshot, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// ListRecentSnapshots lists the most recent snapshots for a metric, newest
// first.
func (s *Store) ListRecentSnapshots(ctx context.Context, metricID string, limit int) ([]MetricSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, metricID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]MetricSnapshot, 0, limit)
	for rows.Next() {
		snapshot, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// CountSnapshots counts stored snapshots across all metrics.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// DeleteSnapshotsBefore prunes history beyond the retention window.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	tcr := alert.TCR.String()
	threshold := alert.Threshold.String()

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		tcr,
		threshold,
		alert.Severity,
		alert.Channels,
	)

	var rec AlertRecord
	var tcrStr, thresholdStr string
	if scanErr := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&tcrStr,
		&thresholdStr,
		&rec.Severity,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}

	var convErr error
	rec.TCR, convErr = decimal.NewFromString(tcrStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse tcr: %w", convErr)
	}
	rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", convErr)
	}

	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var tcrStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.SampleTS,
			&tcrStr,
			&thresholdStr,
			&rec.Severity,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.TCR, convErr = decimal.NewFromString(tcrStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse tcr: %w", convErr)
		}
		rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanSnapshot(rows pgx.Rows) (MetricSnapshot, error) {
	var (
		bucket     time.Time
		metricID   string
		value      json.RawMessage
		provenance string
		source     string
		status     string
		errMsg     sql.NullString
		createdAt  time.Time
	)

	if err := rows.Scan(
		&bucket,
		&metricID,
		&value,
		&provenance,
		&source,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return MetricSnapshot{}, err
	}

	snapshot := MetricSnapshot{
		Bucket:     bucket,
		MetricID:   metricID,
		Value:      value,
		Provenance: provenance,
		Source:     source,
		Status:     status,
		CreatedAt:  createdAt,
	}

	if errMsg.Valid {
		msg := errMsg.String
		snapshot.Error = &msg
	}

	return snapshot, nil
}
