package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"bookingd/internal/model"
	"bookingd/internal/reminders"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dbAppointments struct{ db *DB }

func (s dbAppointments) Get(ctx context.Context, id string) (*model.Appointment, error) {
	return s.db.Queries().GetAppointment(ctx, id)
}

func (s dbAppointments) ListConfirmed(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	return s.db.ListAppointments(ctx, from, to, model.StatusConfirmed)
}

type countingNotifier struct {
	mu   sync.Mutex
	sent map[string]int
}

func (n *countingNotifier) Send(_ context.Context, to model.Customer, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string]int)
	}
	n.sent[to.Ref]++
	return nil
}

// gatedNotifier holds each send until the gate opens.
type gatedNotifier struct {
	countingNotifier
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{started: make(chan struct{}), gate: make(chan struct{})}
}

func (n *gatedNotifier) Send(ctx context.Context, to model.Customer, subject, body string) error {
	n.once.Do(func() { close(n.started) })
	select {
	case <-n.gate:
		return n.countingNotifier.Send(ctx, to, subject, body)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newReminderService(db *DB, n reminders.Notifier, now time.Time, leads ...time.Duration) *reminders.Service {
	if len(leads) == 0 {
		leads = []time.Duration{2 * time.Hour}
	}
	cfg := reminders.DefaultConfig()
	cfg.LeadTimes = leads
	cfg.Rate = reminders.RateLimiterConfig{Rate: 1000, Burst: 1000}
	svc := reminders.NewService(cfg, NewReminderRepository(db), dbAppointments{db}, n, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })
	return svc
}

func TestReminders_RestartDoesNotResend(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0.Add(2*time.Hour), time.Hour, model.StatusConfirmed))
	insert(t, db, appointment("a2", t0.Add(6*time.Hour), time.Hour, model.StatusConfirmed))

	notifier := &countingNotifier{}
	res, err := newReminderService(db, notifier, t0).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	// A fresh process over the same database sees the sent job.
	for _, now := range []time.Time{t0, t0.Add(time.Minute), t0.Add(10 * time.Minute)} {
		res, err = newReminderService(db, notifier, now).Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Delivered)
	}

	res, err = newReminderService(db, notifier, t0.Add(4*time.Hour)).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	assert.Equal(t, map[string]int{"cust-a1": 1, "cust-a2": 1}, notifier.sent)
}

func TestReminders_ConcurrentProcessesSendOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0.Add(2*time.Hour), time.Hour, model.StatusConfirmed))

	notifier := &countingNotifier{}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := newReminderService(db, notifier, t0).Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"cust-a1": 1}, notifier.sent)
}

func TestReminders_CancelledBeforeFireIsSkipped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := appointment("a1", t0.Add(3*time.Hour), time.Hour, model.StatusConfirmed)
	insert(t, db, a)

	notifier := &countingNotifier{}
	res, err := newReminderService(db, notifier, t0.Add(59*time.Minute)).Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	a.Status = model.StatusCancelled
	require.NoError(t, db.Queries().UpdateAppointment(ctx, a))

	res, err = newReminderService(db, notifier, t0.Add(time.Hour)).Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.Empty(t, notifier.sent)

	counts, err := NewReminderRepository(db).CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[reminders.JobSkipped])
}

func TestReminders_TwoLeadTimesAcrossRestart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	start := t0.Add(24 * time.Hour)
	insert(t, db, appointment("a1", start, time.Hour, model.StatusConfirmed))

	leads := []time.Duration{24 * time.Hour, 2 * time.Hour}
	notifier := &countingNotifier{}

	res, err := newReminderService(db, notifier, start.Add(-24*time.Hour+time.Minute), leads...).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Delivered)

	// Restarted process, same database.
	near := start.Add(-2*time.Hour + time.Minute)
	res, err = newReminderService(db, notifier, near, leads...).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	res, err = newReminderService(db, notifier, near.Add(5*time.Minute), leads...).Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	assert.Equal(t, map[string]int{"cust-a1": 2}, notifier.sent)
	counts, err := NewReminderRepository(db).CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[reminders.JobSent])
}

func TestReminders_StopDuringSendRecordsOutcome(t *testing.T) {
	db := newTestDB(t)
	insert(t, db, appointment("a1", t0.Add(2*time.Hour), time.Hour, model.StatusConfirmed))

	notifier := newGatedNotifier()
	svc := newReminderService(db, notifier, t0)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	select {
	case <-notifier.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(notifier.gate)
	}()
	svc.Stop()

	repo := NewReminderRepository(db)
	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[reminders.JobSent])
	assert.Zero(t, counts[reminders.JobSending])

	// Past the claim timeout a new process neither fails nor resends it.
	res, err := newReminderService(db, &countingNotifier{}, t0.Add(11*time.Minute)).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Delivered)
	assert.Equal(t, map[string]int{"cust-a1": 1}, notifier.sent)
}
