package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartRetention schedules a purge of sessions older than retention on the
// cron spec. The returned scheduler is running; Stop it on shutdown.
func (s *Service) StartRetention(spec string, retention time.Duration) (*cron.Cron, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	logger := cron.PrintfLogger(zap.NewStdLog(s.log.Named("retention")))
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, func() { s.purgeExpired(retention) }); err != nil {
		return nil, fmt.Errorf("failed to schedule retention purge: %w", err)
	}
	c.Start()
	s.log.Info("analysis: retention purge scheduled", zap.String("schedule", spec), zap.Duration("retention", retention))
	return c, nil
}

func (s *Service) purgeExpired(retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Purge(ctx, s.now().Add(-retention)); err != nil {
		s.log.Error("analysis: retention purge failed", zap.Error(err))
	}
}
