package noshow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/callsessions"
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

var kolkata = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

func scheduledAt(start string) *appointments.Appointment {
	s := wallclock.MustParse(start)
	return &appointments.Appointment{
		ID:         uuid.New(),
		UserID:     "user-1",
		ExpertID:   "expert-1",
		ExpertName: "Dr. Rao",
		Date:       time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		StartTime:  s,
		EndTime:    s.Add(30),
		Status:     appointments.StatusScheduled,
	}
}

func startOf(appt *appointments.Appointment) time.Time {
	return appt.StartsAt(kolkata)
}

func TestEvaluateStates(t *testing.T) {
	appt := scheduledAt("10:00")
	p := DefaultPolicy()
	cases := []struct {
		name    string
		elapsed time.Duration
		want    State
	}{
		{"future", -time.Minute, StateNotYetDue},
		{"at start", 0, StateGracePeriod},
		{"grace", 2*time.Minute + 59*time.Second, StateGracePeriod},
		{"warning begins", 3 * time.Minute, StateWarning},
		{"warning ends", 4*time.Minute + 59*time.Second, StateWarning},
		{"confirmed", 5 * time.Minute, StateNoShowConfirmed},
		{"long after", 90 * time.Minute, StateNoShowConfirmed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := p.Evaluate(appt, nil, kolkata, startOf(appt).Add(tc.elapsed))
			assert.Equal(t, tc.want, a.State)
			assert.Equal(t, tc.elapsed >= 5*time.Minute, a.CanReportNoShow)
		})
	}
}

func TestEvaluateJoinedSessionResolves(t *testing.T) {
	appt := scheduledAt("10:00")
	joinedAt := startOf(appt).Add(time.Minute)
	session := &callsessions.CallSession{ID: "cs", Status: callsessions.StatusActive, StartTime: &joinedAt}

	for _, elapsed := range []time.Duration{30 * time.Second, 4 * time.Minute, 5 * time.Minute, 2 * time.Hour} {
		a := DefaultPolicy().Evaluate(appt, session, kolkata, startOf(appt).Add(elapsed))
		assert.Equal(t, StateResolved, a.State, "elapsed %s", elapsed)
		assert.True(t, a.ExpertJoined)
		assert.False(t, a.CanReportNoShow)
	}
}

func TestEvaluateWaitingSessionDoesNotCountAsJoined(t *testing.T) {
	appt := scheduledAt("10:00")
	session := &callsessions.CallSession{ID: "cs", Status: callsessions.StatusWaiting}
	a := DefaultPolicy().Evaluate(appt, session, kolkata, startOf(appt).Add(6*time.Minute))
	assert.Equal(t, StateNoShowConfirmed, a.State)

	active := &callsessions.CallSession{ID: "cs", Status: callsessions.StatusActive}
	a = DefaultPolicy().Evaluate(appt, active, kolkata, startOf(appt).Add(6*time.Minute))
	assert.Equal(t, StateNoShowConfirmed, a.State, "active without start time is not joined")
}

func TestEvaluateTerminalStatuses(t *testing.T) {
	for _, status := range []appointments.Status{appointments.StatusCancelled, appointments.StatusCompleted, appointments.StatusInProgress} {
		appt := scheduledAt("10:00")
		appt.Status = status
		a := DefaultPolicy().Evaluate(appt, nil, kolkata, startOf(appt).Add(10*time.Minute))
		assert.Equal(t, StateResolved, a.State, "status %s", status)
		assert.False(t, a.CanReportNoShow)
	}
}

func TestEvaluateRefundCountdown(t *testing.T) {
	appt := scheduledAt("10:00")
	a := DefaultPolicy().Evaluate(appt, nil, kolkata, startOf(appt).Add(3*time.Minute+10*time.Second))
	assert.Equal(t, time.Minute+50*time.Second, a.RefundIn)
	assert.Equal(t, 2, a.RefundInMinutes())

	a = DefaultPolicy().Evaluate(appt, nil, kolkata, startOf(appt).Add(4*time.Minute))
	assert.Equal(t, 1, a.RefundInMinutes())
}

func TestEvaluateUsesExpertZone(t *testing.T) {
	appt := scheduledAt("10:00")
	// 10:00 IST is 04:30 UTC.
	now := time.Date(2026, 3, 9, 4, 35, 0, 0, time.UTC)
	a := DefaultPolicy().Evaluate(appt, nil, kolkata, now)
	assert.Equal(t, StateNoShowConfirmed, a.State)
	assert.Equal(t, 5*time.Minute, a.Elapsed)
}

func TestAssessmentJSON(t *testing.T) {
	appt := scheduledAt("10:00")
	a := DefaultPolicy().Evaluate(appt, nil, kolkata, startOf(appt).Add(200*time.Second))
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "warning", body["state"])
	assert.Equal(t, float64(200), body["elapsed_seconds"])
	assert.Equal(t, float64(100), body["refund_in_seconds"])
}
