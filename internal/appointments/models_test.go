package appointments

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusScheduled.Pending())
	assert.True(t, StatusConfirmed.Pending())
	assert.False(t, StatusInProgress.Pending())
}

func TestCovers(t *testing.T) {
	a := Appointment{StartTime: wallclock.MustParse("09:00"), EndTime: wallclock.MustParse("10:00")}
	assert.True(t, a.Covers(wallclock.MustParse("09:00")))
	assert.True(t, a.Covers(wallclock.MustParse("09:30")))
	assert.False(t, a.Covers(wallclock.MustParse("10:00")))
	assert.False(t, a.Covers(wallclock.MustParse("08:30")))
}

func TestMergeCancellationIntoJSONNotes(t *testing.T) {
	at := time.Date(2024, 6, 3, 9, 6, 0, 0, time.UTC)
	merged := MergeCancellation(`{"topic":"sleep"}`, Cancellation{Reason: CancelReasonExpertNoShow, CancelledAt: at, CancelledBy: CancelledBySystem})

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(merged), &doc))
	assert.Equal(t, "sleep", doc["topic"])

	c, ok := ParseCancellation(merged)
	require.True(t, ok)
	assert.Equal(t, CancelReasonExpertNoShow, c.Reason)
	assert.Equal(t, CancelledBySystem, c.CancelledBy)
	assert.True(t, c.CancelledAt.Equal(at))
}

func TestMergeCancellationPreservesFreeText(t *testing.T) {
	merged := MergeCancellation("first session, anxious", Cancellation{Reason: CancelReasonExpertNoShow, CancelledBy: CancelledBySystem})

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(merged), &doc))
	assert.Equal(t, "first session, anxious", doc["notes"])
	_, ok := ParseCancellation(merged)
	assert.True(t, ok)
}

func TestMergeCancellationEmptyNotes(t *testing.T) {
	merged := MergeCancellation("", Cancellation{Reason: CancelReasonExpertNoShow})
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(merged), &doc))
	assert.NotContains(t, doc, "notes")
	assert.Contains(t, doc, "cancellation")
}

func TestParseCancellationMissing(t *testing.T) {
	_, ok := ParseCancellation("plain text")
	assert.False(t, ok)
	_, ok = ParseCancellation(`{"topic":"sleep"}`)
	assert.False(t, ok)
}

func TestAppointmentJSONKeepsCalendarDate(t *testing.T) {
	date, err := wallclock.ParseDate("2025-03-14")
	require.NoError(t, err)
	in := Appointment{
		UserID:    "u1",
		ExpertID:  "e1",
		Date:      date,
		StartTime: wallclock.New(10, 0),
		EndTime:   wallclock.New(10, 30),
		Status:    StatusScheduled,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"date":"2025-03-14"`)

	var out Appointment
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "2025-03-14", out.DateString())
	assert.Equal(t, in.StartTime, out.StartTime)
	assert.Equal(t, StatusScheduled, out.Status)
	assert.True(t, out.Date.Equal(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)))
}
