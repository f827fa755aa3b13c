package availability

import (
	"testing"
	"time"

	"bookingd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

func testCalendar() *Calendar {
	weekday := DayHours{
		Open:   9 * time.Hour,
		Close:  18 * time.Hour,
		Breaks: []Break{{Start: 13 * time.Hour, End: 14 * time.Hour}},
	}
	return &Calendar{
		Location: time.UTC,
		Weekly: map[time.Weekday]DayHours{
			time.Monday:    weekday,
			time.Tuesday:   weekday,
			time.Wednesday: weekday,
			time.Thursday:  weekday,
			time.Friday:    weekday,
			time.Saturday:  {Open: 10 * time.Hour, Close: 16 * time.Hour},
		},
		Closures: map[string]string{"2026-03-04": "Staff training"},
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"09:00", 9 * time.Hour, false},
		{"17:30", 17*time.Hour + 30*time.Minute, false},
		{"24:00", 24 * time.Hour, false},
		{"9", 0, true},
		{"25:00", 0, true},
		{"10:75", 0, true},
		{"aa:00", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, FormatClock(got))
		})
	}
}

func TestFreeIntervals(t *testing.T) {
	cal := testCalendar()

	got := FreeIntervals(cal, monday)
	require.Len(t, got, 2)
	assert.Equal(t, at(monday, 9, 0), got[0].Start)
	assert.Equal(t, at(monday, 13, 0), got[0].End)
	assert.Equal(t, at(monday, 14, 0), got[1].Start)
	assert.Equal(t, at(monday, 18, 0), got[1].End)

	assert.Empty(t, FreeIntervals(cal, monday.AddDate(0, 0, 2)), "closure day")
	assert.Empty(t, FreeIntervals(cal, monday.AddDate(0, 0, 6)), "sunday has no hours")

	saturday := FreeIntervals(cal, monday.AddDate(0, 0, 5))
	require.Len(t, saturday, 1)
	assert.Equal(t, 6*time.Hour, saturday[0].End.Sub(saturday[0].Start))
}

func TestClosedReason(t *testing.T) {
	cal := testCalendar()

	closed, reason := cal.Closed(monday.AddDate(0, 0, 2))
	assert.True(t, closed)
	assert.Equal(t, "Staff training", reason)

	closed, _ = cal.Closed(monday)
	assert.False(t, closed)
}

func TestIsWithinHours(t *testing.T) {
	cal := testCalendar()

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"opening instant", at(monday, 9, 0), true},
		{"before open", at(monday, 8, 59), false},
		{"closing instant is exclusive", at(monday, 18, 0), false},
		{"lunch break", at(monday, 13, 30), false},
		{"after lunch", at(monday, 14, 0), true},
		{"closure", at(monday.AddDate(0, 0, 2), 10, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWithinHours(cal, tt.t))
		})
	}
}

func TestFits(t *testing.T) {
	cal := testCalendar()

	assert.True(t, Fits(cal, at(monday, 9, 0), at(monday, 10, 0)))
	assert.True(t, Fits(cal, at(monday, 17, 0), at(monday, 18, 0)), "ending exactly at close")
	assert.False(t, Fits(cal, at(monday, 17, 30), at(monday, 18, 30)), "spans closing time")
	assert.False(t, Fits(cal, at(monday, 12, 30), at(monday, 13, 30)), "spans lunch")
	assert.False(t, Fits(cal, at(monday, 10, 0), at(monday, 10, 0)), "empty interval")
}

func TestOverlaps(t *testing.T) {
	nine, ten, eleven := at(monday, 9, 0), at(monday, 10, 0), at(monday, 11, 0)

	assert.False(t, Overlaps(nine, ten, ten, eleven), "back-to-back")
	assert.True(t, Overlaps(nine, eleven, ten, eleven))
	assert.True(t, Overlaps(ten, eleven, nine, eleven))
	assert.False(t, Overlaps(ten, eleven, nine, ten))
}

func TestSubtract(t *testing.T) {
	free := []Interval{{Start: at(monday, 9, 0), End: at(monday, 18, 0)}}
	busy := []Interval{
		{Start: at(monday, 10, 0), End: at(monday, 11, 0)},
		{Start: at(monday, 8, 0), End: at(monday, 9, 30)},
		{Start: at(monday, 17, 0), End: at(monday, 19, 0)},
	}

	got := Subtract(free, busy)
	require.Len(t, got, 2)
	assert.Equal(t, Interval{Start: at(monday, 9, 30), End: at(monday, 10, 0)}, got[0])
	assert.Equal(t, Interval{Start: at(monday, 11, 0), End: at(monday, 17, 0)}, got[1])
}

func TestOpenSlots(t *testing.T) {
	cal := testCalendar()
	busy := []Interval{{Start: at(monday, 10, 0), End: at(monday, 11, 0)}}

	slots := OpenSlots(cal, monday, time.Hour, time.Hour, busy, at(monday, 9, 30))

	starts := make([]string, len(slots))
	for i, s := range slots {
		starts[i] = s.Start.Format("15:04")
	}
	assert.Equal(t, []string{"11:00", "12:00", "14:00", "15:00", "16:00", "17:00"}, starts)
}

func TestDSTKeepsWallClockHours(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	cal := &Calendar{
		Location: loc,
		Weekly:   map[time.Weekday]DayHours{time.Sunday: {Open: 9 * time.Hour, Close: 17 * time.Hour}},
	}

	// 2026-03-08 is the spring-forward Sunday in the US.
	day := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	got := FreeIntervals(cal, day)
	require.Len(t, got, 1)
	assert.Equal(t, 9, got[0].Start.Hour())
	assert.Equal(t, 17, got[0].End.Hour())
}

func TestAnalyzeDay(t *testing.T) {
	cal := testCalendar()
	appts := []model.Appointment{
		{ServiceID: "haircut", Start: at(monday, 9, 0), Duration: time.Hour, Status: model.StatusConfirmed},
		{ServiceID: "coloring", Start: at(monday, 12, 0), Duration: time.Hour, Status: model.StatusConfirmed},
		{ServiceID: "haircut", Start: at(monday, 10, 0), Duration: 20 * time.Minute, Status: model.StatusCancelled},
	}

	report := AnalyzeDay(cal, monday, appts, 15*time.Minute)

	assert.Equal(t, "2026-03-02", report.Date)
	require.Len(t, report.Appointments, 2)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, 120, report.Gaps[0].Minutes)
	assert.InDelta(t, 50.0, report.Efficiency, 0.01)
	assert.Contains(t, report.Suggestions, "Consider booking a 120-minute service between 10:00 and 12:00")
	assert.Contains(t, report.Suggestions, "Consider starting appointments later for better work-life balance")
}

func TestAnalyzeDayEmpty(t *testing.T) {
	report := AnalyzeDay(testCalendar(), monday, nil, 15*time.Minute)
	assert.Equal(t, 100.0, report.Efficiency)
	assert.Empty(t, report.Gaps)
}
