package scheduler

import (
	"context"
	"fmt"
	"time"

	"deal_expiration_notifier/internal/app" // For SweepResult

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SweepRunner runs one sweep and reports its result.
type SweepRunner interface {
	Run(ctx context.Context) app.SweepResult
}

type SweepScheduler struct {
	cronEngine *cron.Cron
	runner     SweepRunner
	logger     *logrus.Entry
	cronSpec   string        // e.g. "*/5 * * * *" (every 5 minutes)
	timeout    time.Duration // upper bound for a single sweep
}

func NewSweepScheduler(runner SweepRunner, logger *logrus.Entry, cronSpec string, timeout time.Duration) *SweepScheduler {
	cronLogger := cron.PrintfLogger(logger)
	return &SweepScheduler{
		// Buckets are computed in UTC, so the schedule is too.
		// A slow sweep delays the next tick instead of overlapping with it.
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:   runner,
		logger:   logger,
		cronSpec: cronSpec,
		timeout:  timeout,
	}
}

func (s *SweepScheduler) Start() error {
	s.logger.Info("Starting expiration sweep scheduler...")

	if _, err := s.cronEngine.AddFunc(s.cronSpec, s.runOnce); err != nil {
		return fmt.Errorf("could not add expiration sweep cron job %q: %w", s.cronSpec, err)
	}

	s.cronEngine.Start()
	s.logger.WithField("cron_spec", s.cronSpec).Info("Expiration sweep scheduler started.")
	return nil
}

func (s *SweepScheduler) runOnce() {
	s.logger.Debug("Cron job triggered for expiration sweep.")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result := s.runner.Run(ctx)
	entry := s.logger.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"outcome": result.Outcome,
	})
	switch result.Outcome {
	case app.OutcomeFailed, app.OutcomeAborted:
		entry.WithError(result.Err).Error("Expiration sweep did not complete")
	case app.OutcomeSkipped:
		entry.Warn("Expiration sweep skipped")
	default:
		entry.WithFields(logrus.Fields{
			"emails_sent":       result.EmailsSent(),
			"receipts_recorded": result.ReceiptsRecorded(),
			"deals_deactivated": result.DealsDeactivated,
			"duration":          result.Duration.String(),
		}).Info("Expiration sweep completed")
	}
}

func (s *SweepScheduler) Stop() {
	s.logger.Info("Stopping expiration sweep scheduler...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()               // Wait for graceful shutdown
	s.logger.Info("Expiration sweep scheduler gracefully stopped.")
}
