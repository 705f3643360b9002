package noshow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/locks"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

func TestSweepHandlesDueAppointments(t *testing.T) {
	late := scheduledAt("10:00")
	warning := scheduledAt("10:02")
	upcoming := scheduledAt("11:00")
	f := newFixture(late, warning, upcoming)
	f.now = startOf(late).Add(5*time.Minute + 30*time.Second)

	s := NewSweeper(f.service, f.appts, logging.Discard()).WithLookback(time.Hour)
	stats := s.Sweep(context.Background())

	assert.False(t, stats.Skipped)
	assert.Equal(t, 2, stats.Evaluated)
	assert.Equal(t, 1, stats.Refunded)
	assert.Equal(t, 1, stats.Warned)
	assert.Equal(t, appointments.StatusCancelled, f.appts.status(late.ID))
	assert.Equal(t, appointments.StatusScheduled, f.appts.status(warning.ID))
	assert.Equal(t, appointments.StatusScheduled, f.appts.status(upcoming.ID))
	assert.Equal(t, f.now.Add(-time.Hour), f.appts.listFrom)

	// the cancelled appointment drops out and the warning is not repeated
	stats = s.Sweep(context.Background())
	assert.Equal(t, 1, stats.Evaluated)
	assert.ElementsMatch(t, []notify.Kind{notify.KindNoShowConfirmed, notify.KindNoShowWarning}, f.inbox.kinds())
	assert.Equal(t, 1, f.refunds.count())
}

func TestSweepSkipsWithoutLeadership(t *testing.T) {
	appt := scheduledAt("10:00")
	f := newFixture(appt)
	f.now = startOf(appt).Add(10 * time.Minute)

	leader := locks.NewMemoryLocker()
	ok, _, err := leader.TryLock(context.Background(), leaderKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats := NewSweeper(f.service, f.appts, logging.Discard()).WithLeaderLock(leader).Sweep(context.Background())
	assert.True(t, stats.Skipped)
	assert.Zero(t, f.refunds.count())
}

func TestSweepReleasesLeadership(t *testing.T) {
	f := newFixture()
	leader := locks.NewMemoryLocker()
	s := NewSweeper(f.service, f.appts, logging.Discard()).WithLeaderLock(leader)

	assert.False(t, s.Sweep(context.Background()).Skipped)
	assert.False(t, s.Sweep(context.Background()).Skipped)
}

func TestSweepRetriesOwedRefunds(t *testing.T) {
	appt := scheduledAt("10:00")
	f := newFixture(appt)
	f.refunds.fail = 1
	f.now = startOf(appt).Add(6 * time.Minute)

	s := NewSweeper(f.service, f.appts, logging.Discard()).WithRetryInterval(time.Minute)
	stats := s.Sweep(context.Background())
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, appointments.StatusCancelled, f.appts.status(appt.ID))
	assert.Equal(t, 1, f.refunds.count())

	// within the retry interval nothing is retried
	f.now = f.now.Add(30 * time.Second)
	stats = s.Sweep(context.Background())
	assert.Zero(t, stats.Retried)
	assert.Equal(t, 1, f.refunds.count())

	f.now = f.now.Add(time.Minute)
	stats = s.Sweep(context.Background())
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 1, stats.Refunded)
	assert.Equal(t, 2, f.refunds.count())

	// settled refunds drop out of the owed list
	f.now = f.now.Add(time.Minute)
	stats = s.Sweep(context.Background())
	assert.Zero(t, stats.Retried)
	assert.Equal(t, 2, f.refunds.count())
	assert.Equal(t, []notify.Kind{notify.KindNoShowConfirmed, notify.KindRefundFailed}, f.inbox.kinds())
}
