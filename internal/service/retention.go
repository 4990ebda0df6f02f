package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunRetentionMonitor calls CleanupInactive every interval until ctx is done.
func (s *Service) RunRetentionMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepInactive(ctx)
		}
	}
}

func (s *Service) sweepInactive(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.CleanupInactive(sweepCtx)
	if err != nil {
		log.Warn().Err(err).Msg("retention sweep failed")
		return
	}
	log.Debug().Int("purged", res.Purged).Int("evicted", res.Evicted).Msg("retention sweep done")
}
