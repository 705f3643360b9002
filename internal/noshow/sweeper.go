package noshow

import (
	"context"
	"errors"
	"time"

	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

const leaderKey = "noshow:sweeper:leader"

type startingLister interface {
	ListStartingBetween(ctx context.Context, zone string, from, to time.Time) ([]appointments.Appointment, error)
	ListUnrefundedNoShows(ctx context.Context, zone string, from, to time.Time) ([]appointments.Appointment, error)
}

type leaderLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, key, token string) error
}

// Sweeper evaluates every pending appointment that has started within the
// look-back window, so no-shows are caught without a connected client. It also
// retries refunds still owed on appointments it already cancelled.
type Sweeper struct {
	service    *Service
	lister     startingLister
	leader     leaderLock
	interval   time.Duration
	lookback   time.Duration
	retryEvery time.Duration
	lastRetry  time.Time
	logger     *logging.Logger
}

func NewSweeper(service *Service, lister startingLister, logger *logging.Logger) *Sweeper {
	if service == nil || lister == nil {
		panic("noshow: service and appointment lister required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		service:    service,
		lister:     lister,
		interval:   30 * time.Second,
		lookback:   24 * time.Hour,
		retryEvery: 5 * time.Minute,
		logger:     logger,
	}
}

// WithLeaderLock restricts each sweep to the instance holding the lock.
func (s *Sweeper) WithLeaderLock(l leaderLock) *Sweeper {
	s.leader = l
	return s
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithLookback(d time.Duration) *Sweeper {
	if d > 0 {
		s.lookback = d
	}
	return s
}

// WithRetryInterval sets how often owed refunds are retried.
func (s *Sweeper) WithRetryInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.retryEvery = d
	}
	return s
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepStats summarises one pass.
type SweepStats struct {
	Skipped   bool
	Evaluated int
	Warned    int
	Refunded  int
	Retried   int
	Failed    int
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	if s.leader != nil {
		ok, token, err := s.leader.TryLock(ctx, leaderKey, s.interval)
		if err != nil {
			s.logger.Warn("noshow: leader lock unavailable", "error", err)
			stats.Skipped = true
			return stats
		}
		if !ok {
			stats.Skipped = true
			return stats
		}
		defer func() {
			if err := s.leader.Unlock(context.WithoutCancel(ctx), leaderKey, token); err != nil {
				s.logger.Warn("noshow: release leader lock", "error", err)
			}
		}()
	}

	now := s.service.now()
	// Retries run before the due pass so a refund that fails below waits a
	// full retry interval.
	s.retryOwed(ctx, now, &stats)

	due, err := s.lister.ListStartingBetween(ctx, s.service.loc.String(), now.Add(-s.lookback), now)
	if err != nil {
		s.logger.Error("noshow: sweep list failed", "error", err)
		return stats
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		appt := &due[i]
		a, outcome, err := s.service.Apply(ctx, appt, SourceSweeper)
		stats.Evaluated++
		switch {
		case errors.Is(err, ErrSuperseded):
		case err != nil:
			stats.Failed++
			if !errors.Is(err, refunds.ErrRefundFailed) {
				s.logger.Error("noshow: sweep evaluation failed", "appointment_id", appt.ID, "error", err)
			}
		case outcome != nil:
			stats.Refunded++
		case a.State == StateWarning:
			stats.Warned++
		}
	}
	if stats.Evaluated > 0 || stats.Retried > 0 {
		s.logger.Info("noshow: sweep complete", "evaluated", stats.Evaluated, "warned", stats.Warned, "refunded", stats.Refunded, "retried", stats.Retried, "failed", stats.Failed)
	}
	return stats
}

func (s *Sweeper) retryOwed(ctx context.Context, now time.Time, stats *SweepStats) {
	if !s.lastRetry.IsZero() && now.Sub(s.lastRetry) < s.retryEvery {
		return
	}
	s.lastRetry = now

	owed, err := s.lister.ListUnrefundedNoShows(ctx, s.service.loc.String(), now.Add(-s.lookback), now)
	if err != nil {
		s.logger.Error("noshow: list owed refunds failed", "error", err)
		return
	}
	for i := range owed {
		if ctx.Err() != nil {
			return
		}
		appt := &owed[i]
		if !cancelledAsNoShow(appt) {
			continue
		}
		stats.Retried++
		outcome, err := s.service.RetryRefund(ctx, appt)
		switch {
		case err != nil:
			stats.Failed++
			s.logger.Warn("noshow: refund retry failed", "appointment_id", appt.ID, "error", err)
		case outcome.Status == refunds.StatusRefunded:
			stats.Refunded++
			s.logger.Info("noshow: owed refund issued", "appointment_id", appt.ID, "path", outcome.Path)
		}
	}
}
