package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Cleaner purges tombstoned rows past the retention window.
type Cleaner interface {
	CleanupSoftDeleted(ctx context.Context, retentionDays int) error
}

// SchedulerService periodically purges soft-deleted messages. Live rows are
// never touched; only tombstones older than the retention window go.
type SchedulerService struct {
	cleaner       Cleaner
	logger        *logrus.Logger
	retentionDays int
	interval      time.Duration
	stopCh        chan struct{}
}

func NewSchedulerService(cleaner Cleaner, logger *logrus.Logger, retentionDays int, interval time.Duration) *SchedulerService {
	return &SchedulerService{
		cleaner:       cleaner,
		logger:        logger,
		retentionDays: retentionDays,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the cleanup loop. It runs one pass immediately, then on the
// configured interval until Stop is called or the context ends.
func (s *SchedulerService) Start(ctx context.Context) {
	go func() {
		s.runCleanup(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runCleanup(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.WithFields(logrus.Fields{
		"interval":       s.interval.String(),
		"retention_days": s.retentionDays,
	}).Info("Cleanup scheduler started")
}

// Stop terminates the cleanup loop.
func (s *SchedulerService) Stop() {
	close(s.stopCh)
	s.logger.Info("Cleanup scheduler stopped")
}

func (s *SchedulerService) runCleanup(ctx context.Context) {
	if err := s.cleaner.CleanupSoftDeleted(ctx, s.retentionDays); err != nil {
		s.logger.WithError(err).Error("Failed to purge soft-deleted messages")
		return
	}
	s.logger.Debug("Soft-delete purge completed")
}
