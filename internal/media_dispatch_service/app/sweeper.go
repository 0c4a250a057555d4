package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// StaleClaimSweeper returns messages stranded in processing (a worker crashed
// between claim and record) to queued so they are retried.
type StaleClaimSweeper struct {
	store        domain.MessageStore
	claimTimeout time.Duration
	notifier     *EnqueueNotifier // optional
	logger       *slog.Logger
	now          func() time.Time
}

func NewStaleClaimSweeper(store domain.MessageStore, claimTimeout time.Duration, notifier *EnqueueNotifier, logger *slog.Logger) *StaleClaimSweeper {
	return &StaleClaimSweeper{
		store:        store,
		claimTimeout: claimTimeout,
		notifier:     notifier,
		logger:       logger.With("component", "stale_claim_sweeper"),
		now:          time.Now,
	}
}

// SweepOnce reclaims every message claimed longer than the claim timeout ago.
func (s *StaleClaimSweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.claimTimeout)
	n, err := s.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	if n > 0 {
		staleClaimsReclaimedCounter.Add(float64(n))
		s.logger.WarnContext(ctx, "Returned stale claims to the queue", "count", n, "claimed_before", cutoff)
		if s.notifier != nil {
			s.notifier.Notify()
		}
	}
	return n, nil
}

// Run sweeps on the given cron schedule (e.g. "@every 1m") until ctx is cancelled.
func (s *StaleClaimSweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.ErrorContext(ctx, "Stale claim sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.logger.InfoContext(ctx, "Stale claim sweeper started", "schedule", schedule, "claim_timeout", s.claimTimeout)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Stale claim sweeper stopped")
	return nil
}
