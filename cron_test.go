package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron_Valid(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"0 * * * *",
		"30 2 * * *",
		"*/15 * * * *",
		"0 9-17 * * 1-5",
		"0 0 1 1 *",
		"5,20,35,50 * * * *",
		"10-30/5 * * * *",
	} {
		_, err := parseCron(expr)
		assert.NoError(t, err, "expr %q", expr)
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 7",
		"x * * * *",
		"*/0 * * * *",
		"30-10 * * * *",
	} {
		_, err := parseCron(expr)
		assert.Error(t, err, "expr %q", expr)
	}
}

func TestCronNext_EveryMinute(t *testing.T) {
	cs, err := parseCron("* * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 10, 14, 30, 45, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 31, 0, 0, time.UTC), got)
}

func TestCronNext_TopOfHour(t *testing.T) {
	cs, err := parseCron("0 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), got)
}

func TestCronNext_DailyAt2AM(t *testing.T) {
	cs, err := parseCron("0 2 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), got)
}

func TestCronNext_WeekdaysOnly(t *testing.T) {
	cs, err := parseCron("0 9 * * 1-5")
	require.NoError(t, err)

	// 2026-03-13 is a Friday; the next 09:00 after Friday evening is
	// Monday.
	from := time.Date(2026, 3, 13, 18, 0, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestCronNext_Every15Min(t *testing.T) {
	cs, err := parseCron("*/15 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 10, 14, 16, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC), got)
}

func TestCronNext_StrictlyAfter(t *testing.T) {
	cs, err := parseCron("30 14 * * *")
	require.NoError(t, err)

	// From exactly the fire time, next is tomorrow.
	from := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC), got)
}

func TestCronNext_CrossYear(t *testing.T) {
	cs, err := parseCron("0 0 1 1 *")
	require.NoError(t, err)

	from := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestCronNext_Feb29(t *testing.T) {
	cs, err := parseCron("0 0 29 2 *")
	require.NoError(t, err)

	// 2028 is the next leap year after 2026.
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got := cs.next(from)
	assert.Equal(t, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestCronNext_ImpossibleDateReturnsZero(t *testing.T) {
	cs, err := parseCron("0 0 31 2 *")
	require.NoError(t, err)

	got := cs.next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, got.IsZero())
}
