package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the aggregator's batch passes on fixed cron schedules:
// the daily rollup of the previous calendar day, the intra-day refresh of
// the open day, the hourly retry of error-status syncs, and the retention
// sweep.
type Scheduler struct {
	cron       *cron.Cron
	aggregator *Aggregator
	logger     *zap.Logger
}

// NewScheduler creates an idle scheduler.
func NewScheduler(aggregator *Aggregator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		aggregator: aggregator,
		logger:     logger,
	}
}

// Start registers the jobs and begins running them. ctx bounds every job
// invocation; the scheduler itself runs until Stop.
func (s *Scheduler) Start(ctx context.Context, aggregationSpec, intradaySpec, retrySpec, sweepSpec string) error {
	if _, err := s.cron.AddFunc(aggregationSpec, func() {
		// Aggregate the previous UTC day, which is complete by now.
		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := s.aggregator.RunDay(ctx, day); err != nil {
			s.logger.Error("scheduled aggregation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to register aggregation job: %w", err)
	}

	if _, err := s.cron.AddFunc(intradaySpec, func() {
		// Re-run the open day. The rollup and the provider's "set" records
		// are idempotent overwrites, and this keeps the tenants' cached
		// limit counters tracking today's usage.
		if err := s.aggregator.RunDay(ctx, time.Now().UTC()); err != nil {
			s.logger.Error("scheduled intra-day refresh failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to register intra-day refresh job: %w", err)
	}

	if _, err := s.cron.AddFunc(retrySpec, func() {
		if err := s.aggregator.RetryFailedSyncs(ctx); err != nil {
			s.logger.Error("scheduled sync retry failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to register sync retry job: %w", err)
	}

	if _, err := s.cron.AddFunc(sweepSpec, func() {
		if err := s.aggregator.SweepExpired(ctx); err != nil {
			s.logger.Error("scheduled retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to register retention sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("billing scheduler started",
		zap.String("aggregation", aggregationSpec),
		zap.String("intraday", intradaySpec),
		zap.String("sync_retry", retrySpec),
		zap.String("sweep", sweepSpec),
	)
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("billing scheduler stopped")
}
