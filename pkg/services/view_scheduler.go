package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRefreshTimeout bounds one scheduled refresh of all views.
const DefaultRefreshTimeout = 5 * time.Minute

// ViewScheduler refreshes every registered view on a cron schedule.
type ViewScheduler struct {
	cron     *cron.Cron
	views    *ViewManager
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewViewScheduler validates schedule (standard cron syntax or descriptors
// such as "@every 15m") and prepares the refresh job. Call Start to run it.
func NewViewScheduler(views *ViewManager, schedule string, logger *zap.Logger) (*ViewScheduler, error) {
	s := &ViewScheduler{
		cron:     cron.New(),
		views:    views,
		schedule: schedule,
		timeout:  DefaultRefreshTimeout,
		logger:   logger.Named("view-scheduler"),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the refresh job in the background.
func (s *ViewScheduler) Start() {
	s.cron.Start()
	s.logger.Info("View refresh scheduler started", zap.String("schedule", s.schedule))
}

// Stop halts the scheduler and waits for a running refresh to finish or
// for ctx to end, whichever comes first.
func (s *ViewScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Stopped waiting for in-flight view refresh")
	}
	s.logger.Info("View refresh scheduler stopped")
}

// NextRun returns when the job fires next, or the zero time before Start.
func (s *ViewScheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *ViewScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.views.RefreshAll(ctx); err != nil {
		s.logger.Warn("Scheduled view refresh failed", zap.Error(err))
		return
	}
	s.logger.Debug("Scheduled view refresh complete")
}
