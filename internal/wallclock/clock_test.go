package wallclock

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, c.Hour())
	assert.Equal(t, 30, c.Minute())

	c, err = Parse("17:05:00")
	require.NoError(t, err)
	assert.Equal(t, "17:05", c.String())
	assert.Equal(t, "1705", c.Compact())

	for _, bad := range []string{"", "9", "24:00", "10:61", "aa:bb", "1:2:3:4"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestOnUsesCalendarDay(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	date, err := ParseDate("2024-06-03")
	require.NoError(t, err)

	at := MustParse("09:00").On(date, loc)
	assert.Equal(t, time.Date(2024, 6, 3, 3, 30, 0, 0, time.UTC), at.UTC())
}

func TestDateOf(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	// 20:00 UTC is already the next day in India.
	got := DateOf(time.Date(2024, 6, 3, 20, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, "2024-06-04", FormatDate(got))
}

func TestClockJSON(t *testing.T) {
	payload, err := json.Marshal(struct {
		Start Clock `json:"start"`
	}{Start: New(8, 5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"08:05"}`, string(payload))

	var decoded struct {
		Start Clock `json:"start"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"start":"14:30"}`), &decoded))
	assert.Equal(t, New(14, 30), decoded.Start)
	assert.Error(t, json.Unmarshal([]byte(`{"start":"later"}`), &decoded))
}
