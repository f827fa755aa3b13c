package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusConfirmed, StatusCompleted, true},
		{StatusConfirmed, StatusNoShow, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusNoShow, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition(StatusPending, StatusConfirmed))
	assert.ErrorIs(t, CheckTransition(StatusCompleted, StatusNoShow), ErrInvalidTransition)
	assert.ErrorIs(t, CheckTransition(StatusPending, Status("bogus")), ErrInvalidRequest)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.Active())
	assert.True(t, StatusConfirmed.Active())
	assert.False(t, StatusCancelled.Active())
	assert.True(t, StatusNoShow.Terminal())
	assert.False(t, StatusConfirmed.Terminal())
}

func TestCandidateValidate(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	base := Candidate{
		Customer: Customer{Ref: "+15550001"},
		Start:    now.Add(time.Hour),
		Duration: time.Hour,
	}

	require.NoError(t, base.Validate(now))

	zero := base
	zero.Duration = 0
	assert.ErrorIs(t, zero.Validate(now), ErrInvalidRequest)

	negative := base
	negative.Duration = -time.Minute
	assert.ErrorIs(t, negative.Validate(now), ErrInvalidRequest)

	past := base
	past.Start = now.Add(-time.Minute)
	assert.ErrorIs(t, past.Validate(now), ErrInvalidRequest)

	anonymous := base
	anonymous.Customer.Ref = " "
	assert.ErrorIs(t, anonymous.Validate(now), ErrInvalidRequest)
}

func TestConflictError(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var err error = &ConflictError{
		Requested:    Slot{Start: start, End: start.Add(time.Hour)},
		Alternatives: []Slot{{Start: start.Add(time.Hour), End: start.Add(2 * time.Hour)}},
	}
	wrapped := fmt.Errorf("create: %w", err)

	assert.ErrorIs(t, wrapped, ErrConflict)
	ce, ok := AsConflict(wrapped)
	require.True(t, ok)
	assert.Len(t, ce.Alternatives, 1)
	assert.Contains(t, err.Error(), "2026-03-02 10:00")
}

func TestFailureClassification(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(Permanent(base)))
	assert.True(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestAppointmentHelpers(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := &Appointment{Start: start, Duration: time.Hour, Status: StatusConfirmed, UpdatedAt: start.Add(-time.Hour)}

	assert.Equal(t, start.Add(time.Hour), a.End())
	assert.True(t, a.OverlapsWith(start.Add(30*time.Minute), start.Add(90*time.Minute)))
	assert.False(t, a.OverlapsWith(start.Add(time.Hour), start.Add(2*time.Hour)))

	a.Audit = []AuditEntry{{At: start.Add(-30 * time.Minute)}, {At: start.Add(-2 * time.Hour)}}
	assert.Equal(t, start.Add(-30*time.Minute), a.LastAuditAt())
}

func TestCatalogue(t *testing.T) {
	c := NewCatalogue(nil)

	s, ok := c.Lookup("coloring")
	require.True(t, ok)
	assert.Equal(t, 120*time.Minute, s.Duration)

	s, ok = c.Lookup("special event")
	require.True(t, ok)
	assert.Equal(t, "special-event", s.ID)

	unknown := c.Resolve("massage")
	assert.Equal(t, DefaultServiceDuration, unknown.Duration)
	assert.Len(t, c.All(), 5)
}
