package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bookingd/internal/availability"
	"bookingd/internal/database"
	"bookingd/internal/events"
	"bookingd/internal/lock"
	"bookingd/internal/model"
	"bookingd/internal/resolver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 2026-03-02.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

var testNow = at(1, 12, 0)

type fixture struct {
	db        *database.DB
	store     *Store
	published []events.Event
	mu        sync.Mutex
}

func newFixture(t *testing.T, cfg Config, resCfg resolver.Config) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "bookingd.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hours := availability.DayHours{Open: 9 * time.Hour, Close: 18 * time.Hour}
	cal := &availability.Calendar{
		Location: time.UTC,
		Weekly: map[time.Weekday]availability.DayHours{
			time.Monday: hours, time.Tuesday: hours, time.Wednesday: hours,
			time.Thursday: hours, time.Friday: hours,
		},
	}
	res := resolver.New(resCfg, cal, nil, logger)
	res.SetClock(func() time.Time { return testNow })

	f := &fixture{db: db}
	bus := events.NewEventBus(logger)
	bus.Subscribe(func(e events.Event) error {
		f.mu.Lock()
		f.published = append(f.published, e)
		f.mu.Unlock()
		return nil
	})

	f.store = New(db, res, lock.NewLocalLocker(), nil, bus, cfg, logger)
	f.store.now = func() time.Time { return testNow }
	return f
}

func candidate(ref string, start time.Time, d time.Duration) model.Candidate {
	return model.Candidate{
		Customer:    model.Customer{Ref: ref, Name: "Customer " + ref},
		ServiceName: "Treatment",
		Start:       start,
		Duration:    d,
		Source:      model.SourceChat,
	}
}

func assertNoOverlap(t *testing.T, db *database.DB) {
	t.Helper()
	all, err := db.ListAppointments(context.Background(), at(1, 0, 0), at(31, 0, 0), model.ActiveStatuses()...)
	require.NoError(t, err)
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.ResourceID != b.ResourceID {
				continue
			}
			assert.False(t, a.OverlapsWith(b.Start, b.End()), "%s overlaps %s", a.ID, b.ID)
		}
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	a, err := f.store.Create(context.Background(), candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Equal(t, model.DefaultResource, a.ResourceID)
	assert.Equal(t, "treatment", a.ServiceID)
	assert.Equal(t, 50.0, a.Price)

	got, err := f.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(at(2, 9, 0)))
	require.Len(t, got.Audit, 1)
	assert.Equal(t, model.ActionCreated, got.Audit[0].Action)
	assert.Equal(t, "c1", got.Audit[0].Actor)

	require.Len(t, f.published, 1)
	assert.Equal(t, events.AppointmentCreated, f.published[0].Type)
}

func TestCreate_ServiceDurationFromCatalogue(t *testing.T) {
	f := newFixture(t, Config{AutoConfirm: true}, resolver.Config{})
	c := candidate("c1", at(2, 9, 0), 0)
	c.ServiceName = ""
	c.ServiceID = "coloring"

	a, err := f.store.Create(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Minute, a.Duration)
	assert.Equal(t, "Coloring", a.ServiceName)
	assert.Equal(t, model.StatusConfirmed, a.Status)
}

func TestCreate_SameSlotConflictsWithAlternatives(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	_, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	_, err = f.store.Create(ctx, candidate("c2", at(2, 9, 0), time.Hour))
	require.ErrorIs(t, err, model.ErrConflict)
	ce, ok := model.AsConflict(err)
	require.True(t, ok)
	require.NotEmpty(t, ce.Alternatives)
	assert.True(t, ce.Alternatives[0].Start.Equal(at(2, 10, 0)))

	// The first alternative is bookable.
	_, err = f.store.Create(ctx, candidate("c2", ce.Alternatives[0].Start, time.Hour))
	require.NoError(t, err)
	assertNoOverlap(t, f.db)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	tests := []struct {
		name string
		c    model.Candidate
		want error
	}{
		{"out of hours", candidate("c1", at(2, 17, 30), time.Hour), model.ErrOutOfHours},
		{"weekend", candidate("c1", at(7, 10, 0), time.Hour), model.ErrOutOfHours},
		{"negative duration", candidate("c1", at(2, 10, 0), -time.Hour), model.ErrInvalidRequest},
		{"in the past", candidate("c1", at(1, 10, 0), time.Hour), model.ErrInvalidRequest},
		{"no customer", candidate("", at(2, 10, 0), time.Hour), model.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Create(context.Background(), tt.c)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCancelFreesSlot(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	cancelled, err := f.store.UpdateStatus(ctx, a.ID, model.StatusCancelled, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	_, err = f.store.Create(ctx, candidate("c2", at(2, 9, 0), time.Hour))
	assert.NoError(t, err)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	_, err = f.store.UpdateStatus(ctx, a.ID, model.StatusCompleted, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "pending cannot complete")

	_, err = f.store.UpdateStatus(ctx, a.ID, model.StatusConfirmed, "admin")
	require.NoError(t, err)
	done, err := f.store.UpdateStatus(ctx, a.ID, model.StatusCompleted, "admin")
	require.NoError(t, err)
	require.Len(t, done.Audit, 3)
	assert.Equal(t, model.StatusConfirmed, done.Audit[2].FromStatus)
	assert.Equal(t, model.StatusCompleted, done.Audit[2].ToStatus)

	_, err = f.store.UpdateStatus(ctx, a.ID, model.StatusCancelled, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "terminal states are final")

	_, err = f.store.UpdateStatus(ctx, "missing", model.StatusCancelled, "admin")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	moved, err := f.store.Reschedule(ctx, a.ID, at(3, 14, 0), 90*time.Minute, "admin")
	require.NoError(t, err)
	assert.True(t, moved.Start.Equal(at(3, 14, 0)))
	assert.Equal(t, 90*time.Minute, moved.Duration)
	assert.Greater(t, moved.Version, a.Version)

	last := moved.Audit[len(moved.Audit)-1]
	assert.Equal(t, model.ActionRescheduled, last.Action)
	require.NotNil(t, last.OldStart)
	assert.True(t, last.OldStart.Equal(at(2, 9, 0)))
	assert.Equal(t, time.Hour, last.OldDuration)

	// The old slot is free again.
	_, err = f.store.Create(ctx, candidate("c2", at(2, 9, 0), time.Hour))
	assert.NoError(t, err)
}

func TestReschedule_OverlappingItselfIsAllowed(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	_, err = f.store.Reschedule(ctx, a.ID, at(2, 9, 30), time.Hour, "admin")
	assert.NoError(t, err)
}

func TestReschedule_ConflictLeavesOriginal(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, candidate("c2", at(2, 11, 0), time.Hour))
	require.NoError(t, err)

	_, err = f.store.Reschedule(ctx, a.ID, at(2, 11, 30), time.Hour, "admin")
	require.ErrorIs(t, err, model.ErrConflict)

	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(at(2, 9, 0)))
	assert.Equal(t, time.Hour, got.Duration)
	assert.Equal(t, a.Version, got.Version)
	assert.Len(t, got.Audit, 1)
}

func TestReschedule_Rejections(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	_, err = f.store.Reschedule(ctx, a.ID, at(2, 20, 0), time.Hour, "admin")
	assert.ErrorIs(t, err, model.ErrOutOfHours)

	_, err = f.store.Reschedule(ctx, a.ID, at(2, 10, 0), 0, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = f.store.Reschedule(ctx, "missing", at(2, 10, 0), time.Hour, "admin")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.store.UpdateStatus(ctx, a.ID, model.StatusCancelled, "admin")
	require.NoError(t, err)
	_, err = f.store.Reschedule(ctx, a.ID, at(2, 10, 0), time.Hour, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestReschedule_CalendarSyncIgnoresHours(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	moved, err := f.store.Reschedule(ctx, a.ID, at(2, 19, 0), time.Hour, model.ActorCalendarSync)
	require.NoError(t, err)
	assert.True(t, moved.Start.Equal(at(2, 19, 0)))
}

func TestImport(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	_, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	c := model.Candidate{
		Customer:        model.Customer{Ref: "external:evt-1", Name: "Blocked"},
		ServiceName:     "Blocked",
		Start:           at(7, 10, 0),
		Duration:        time.Hour,
		ExternalEventID: "evt-1",
	}
	imported, err := f.store.Import(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, model.SourceExternal, imported.Source)
	assert.Equal(t, model.StatusConfirmed, imported.Status)

	found, err := f.store.FindByExternalID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, imported.ID, found.ID)

	c.Start = at(2, 9, 30)
	c.ExternalEventID = "evt-2"
	_, err = f.store.Import(ctx, c)
	assert.ErrorIs(t, err, model.ErrConflict)
	assertNoOverlap(t, f.db)
}

func TestLinkExternalAndAudit(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	a, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	linked, err := f.store.LinkExternal(ctx, a.ID, "evt-9")
	require.NoError(t, err)
	assert.Equal(t, "evt-9", linked.ExternalEventID)

	again, err := f.store.LinkExternal(ctx, a.ID, "evt-9")
	require.NoError(t, err)
	assert.Equal(t, linked.Version, again.Version, "relinking the same id is a no-op")

	require.NoError(t, f.store.RecordAudit(ctx, model.AuditEntry{
		AppointmentID: a.ID, Actor: model.ActorCalendarSync, Action: model.ActionSyncOverride,
	}))
	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSyncOverride, got.Audit[len(got.Audit)-1].Action)
	assert.Equal(t, a.Version+1, got.Version)
}

func TestConcurrentCreatesSameSlot(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	const n = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.store.Create(context.Background(), candidate("c", at(2, 10, 0), time.Hour))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, model.ErrConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, conflicts)
	assertNoOverlap(t, f.db)
}

func TestConcurrentMixedOperationsKeepInvariant(t *testing.T) {
	f := newFixture(t, Config{AutoConfirm: true}, resolver.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(2, 9+i%6, (i%2)*30)
			a, err := f.store.Create(ctx, candidate("c", start, time.Hour))
			if err != nil {
				return
			}
			if i%3 == 0 {
				_, _ = f.store.Reschedule(ctx, a.ID, start.Add(90*time.Minute), time.Hour, "admin")
			}
		}(i)
	}
	wg.Wait()
	assertNoOverlap(t, f.db)
}

func TestMaxDailyAppointments(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{MaxDaily: 1})
	ctx := context.Background()
	_, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)

	_, err = f.store.Create(ctx, candidate("c2", at(2, 14, 0), time.Hour))
	ce, ok := model.AsConflict(err)
	require.True(t, ok)
	require.NotEmpty(t, ce.Alternatives)
	assert.Equal(t, 3, ce.Alternatives[0].Start.Day())
}

func TestListings(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	for i, ref := range []string{"c1", "c2", "c1"} {
		_, err := f.store.Create(ctx, candidate(ref, at(2, 9+2*i, 0), time.Hour))
		require.NoError(t, err)
	}

	var byRange []string
	for a, err := range f.store.ListByRange(ctx, at(2, 0, 0), at(3, 0, 0)) {
		require.NoError(t, err)
		byRange = append(byRange, a.Customer.Ref)
	}
	assert.Equal(t, []string{"c1", "c2", "c1"}, byRange)

	var mine []time.Time
	for a, err := range f.store.ListByCustomer(ctx, "c1") {
		require.NoError(t, err)
		mine = append(mine, a.Start)
	}
	require.Len(t, mine, 2)
	assert.True(t, mine[0].Equal(at(2, 9, 0)))
	assert.True(t, mine[1].Equal(at(2, 13, 0)))

	// Stopping early is allowed.
	for range f.store.ListByRange(ctx, at(2, 0, 0), at(3, 0, 0)) {
		break
	}
}

func TestOpenSlotsAndDayReport(t *testing.T) {
	f := newFixture(t, Config{}, resolver.Config{})
	ctx := context.Background()
	_, err := f.store.Create(ctx, candidate("c1", at(2, 9, 0), time.Hour))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, candidate("c2", at(2, 14, 0), time.Hour))
	require.NoError(t, err)

	slots, err := f.store.OpenSlots(ctx, "", "treatment", at(2, 0, 0), 0)
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.True(t, slots[0].Start.Equal(at(2, 10, 0)))
	for _, s := range slots {
		assert.False(t, s.Start.Equal(at(2, 14, 0)))
	}

	report, err := f.store.DayReport(ctx, "", at(2, 0, 0))
	require.NoError(t, err)
	assert.Len(t, report.Appointments, 2)
	assert.NotEmpty(t, report.Gaps)
}
