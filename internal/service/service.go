// Package service drives the periodic snapshot loop: every scheduler bucket
// it pulls the configured metrics through the aggregation layer, persists
// the results, and evaluates collateralisation alerts.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"usdfc-telemetry/internal/aggregator"
	"usdfc-telemetry/internal/alerting"
	"usdfc-telemetry/internal/config"
	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/scheduler"
	"usdfc-telemetry/internal/storage"
)

// snapshotConcurrency bounds parallel metric fetches per bucket.
const snapshotConcurrency = 4

// Service orchestrates fetching, persistence, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	agg        *aggregator.Aggregator
	metricIDs  []string
	store      storage.SnapshotStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	evaluator  *alerting.Evaluator
	logger     zerolog.Logger

	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
	retention time.Duration
}

// New constructs the snapshot service. metricIDs selects what gets
// persisted each bucket.
func New(cfg *config.Config, sched *scheduler.Scheduler, agg *aggregator.Aggregator, metricIDs []string, store storage.SnapshotStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	var evaluator *alerting.Evaluator
	if cfg.Alerting.Enabled {
		evaluator = alerting.NewEvaluator(cfg.Alerting.TCRWarning, cfg.Alerting.TCRDanger, cfg.Alerting.Cooldown)
	}

	return &Service{
		scheduler:  sched,
		agg:        agg,
		metricIDs:  metricIDs,
		store:      store,
		alertStore: alertStore,
		notifier:   notifier,
		evaluator:  evaluator,
		logger:     logger.With().Str("component", "service").Logger(),
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		retention:  cfg.Scheduler.Retention,
	}
}

// Run begins the aligned snapshot loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的快照逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(snapshotConcurrency)

	for _, metricID := range s.metricIDs {
		group.Go(func() error {
			s.snapshotMetric(gctx, bucket, metricID)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if s.store != nil && s.retention > 0 {
		if err := s.store.DeleteSnapshotsBefore(ctx, bucket.Add(-s.retention)); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune snapshot history")
		}
	}

	s.logger.Info().Time("bucket", bucket).Int("metrics", len(s.metricIDs)).Msg("bucket snapshot complete")
	return nil
}

// snapshotMetric fetches one metric and persists the outcome. Failures are
// recorded, not propagated; one dead source must not sink the bucket.
func (s *Service) snapshotMetric(ctx context.Context, bucket time.Time, metricID string) {
	res, err := s.agg.Fetch(ctx, metricID, nil)

	snapshot := storage.MetricSnapshot{
		Bucket:    bucket,
		MetricID:  metricID,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case err != nil:
		code := string(aggregator.Classify(err))
		msg := err.Error()
		snapshot.Status = code
		snapshot.Error = &msg
		s.logger.Error().Err(err).Str("metric", metricID).Str("code", code).Msg("metric fetch failed")
	default:
		snapshot.Provenance = string(res.Provenance)
		snapshot.Source = res.Source
		snapshot.Status = string(res.Code())
		if res.Err != nil {
			msg := res.Err.Error()
			snapshot.Error = &msg
		}

		value, marshalErr := json.Marshal(res.Value)
		if marshalErr != nil {
			s.logger.Error().Err(marshalErr).Str("metric", metricID).Msg("failed to marshal metric value")
			return
		}
		snapshot.Value = value

		if metricID == metrics.IDProtocolMetrics {
			if m, ok := res.Value.(metrics.ProtocolMetrics); ok {
				s.evaluateTCR(ctx, bucket, m)
			}
		}
	}

	if s.store != nil {
		if err := s.store.UpsertSnapshot(ctx, snapshot); err != nil {
			s.logger.Error().Err(err).Str("metric", metricID).Time("bucket", bucket).Msg("failed to upsert snapshot")
		}
	}
}

func (s *Service) evaluateTCR(ctx context.Context, bucket time.Time, m metrics.ProtocolMetrics) {
	if !s.alertsOn || s.evaluator == nil || s.notifier == nil {
		return
	}

	severity, threshold, fire := s.evaluator.Evaluate(m.TCR)
	if !fire {
		return
	}

	note := alerting.Notification{
		Bucket:          bucket,
		TCR:             m.TCR,
		Threshold:       threshold,
		Severity:        severity,
		TotalCollateral: m.TotalCollateral,
		TotalDebt:       m.TotalDebt,
		FILPrice:        m.FILPrice,
		Channels:        s.channels,
	}
	if m.DebtFromSupply {
		note.AdditionalMsg = "Debt approximated from token supply.\n"
	}

	if s.alertStore != nil {
		record := storage.AlertRecord{
			SampleTS:  bucket,
			TCR:       m.TCR,
			Threshold: threshold,
			Severity:  severity,
			Channels:  s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
