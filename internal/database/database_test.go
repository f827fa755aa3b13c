package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookingd/internal/calendar"
	"bookingd/internal/model"
	"bookingd/internal/reminders"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "data", "bookingd.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func appointment(id string, start time.Time, d time.Duration, status model.Status) *model.Appointment {
	return &model.Appointment{
		ID:          id,
		ResourceID:  model.DefaultResource,
		Customer:    model.Customer{Ref: "cust-" + id, Name: "Alice", Phone: "+15550001", TelegramChatID: 42},
		ServiceID:   "haircut",
		ServiceName: "Haircut",
		Price:       35,
		Start:       start,
		Duration:    d,
		Status:      status,
		Source:      model.SourceChat,
		CreatedAt:   t0.Add(-72 * time.Hour),
		UpdatedAt:   t0.Add(-72 * time.Hour),
	}
}

func insert(t *testing.T, db *DB, a *model.Appointment) {
	t.Helper()
	require.NoError(t, db.Queries().InsertAppointment(context.Background(), a))
}

func TestAppointments_RoundTripAndOptimisticUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := appointment("a1", t0, time.Hour, model.StatusPending)
	insert(t, db, a)
	assert.Equal(t, int64(1), a.Version)

	got, err := db.Queries().GetAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(t0))
	assert.Equal(t, time.Hour, got.Duration)
	assert.Equal(t, a.Customer, got.Customer)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.ExternalEventID)

	stale := *got
	got.Status = model.StatusConfirmed
	got.ExternalEventID = "evt-1"
	require.NoError(t, db.Queries().UpdateAppointment(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	stale.Status = model.StatusCancelled
	err = db.Queries().UpdateAppointment(ctx, &stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	byExt, err := db.Queries().FindByExternalID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", byExt.ID)
	assert.Equal(t, model.StatusConfirmed, byExt.Status)

	_, err = db.Queries().GetAppointment(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = db.Queries().FindByExternalID(ctx, "evt-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAppointments_ExternalIDUnique(t *testing.T) {
	db := newTestDB(t)
	a := appointment("a1", t0, time.Hour, model.StatusConfirmed)
	a.ExternalEventID = "evt-1"
	insert(t, db, a)

	dup := appointment("a2", t0.Add(2*time.Hour), time.Hour, model.StatusConfirmed)
	dup.ExternalEventID = "evt-1"
	assert.Error(t, db.Queries().InsertAppointment(context.Background(), dup))

	// Unlinked appointments do not collide.
	insert(t, db, appointment("a3", t0.Add(4*time.Hour), time.Hour, model.StatusConfirmed))
	insert(t, db, appointment("a4", t0.Add(6*time.Hour), time.Hour, model.StatusConfirmed))
}

func TestFindOverlapping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0, time.Hour, model.StatusConfirmed))
	insert(t, db, appointment("a2", t0.Add(2*time.Hour), time.Hour, model.StatusCancelled))
	other := appointment("a3", t0, time.Hour, model.StatusConfirmed)
	other.ResourceID = "chair-2"
	insert(t, db, other)

	tests := []struct {
		name       string
		start, end time.Time
		exclude    string
		want       []string
	}{
		{"exact", t0, t0.Add(time.Hour), "", []string{"a1"}},
		{"partial", t0.Add(30 * time.Minute), t0.Add(90 * time.Minute), "", []string{"a1"}},
		{"back to back after", t0.Add(time.Hour), t0.Add(2 * time.Hour), "", nil},
		{"back to back before", t0.Add(-time.Hour), t0, "", nil},
		{"cancelled is free", t0.Add(2 * time.Hour), t0.Add(3 * time.Hour), "", nil},
		{"excluded", t0, t0.Add(time.Hour), "a1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Queries().FindOverlapping(ctx, model.DefaultResource, tt.start, tt.end, tt.exclude)
			require.NoError(t, err)
			var ids []string
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	n, err := db.Queries().CountActiveBetween(ctx, model.DefaultResource, t0.Add(-time.Hour), t0.Add(24*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0, time.Hour, model.StatusConfirmed))
	insert(t, db, appointment("a2", t0.Add(2*time.Hour), time.Hour, model.StatusPending))
	linked := appointment("a3", t0.Add(-48*time.Hour), time.Hour, model.StatusConfirmed)
	linked.ExternalEventID = "evt-old"
	insert(t, db, linked)

	confirmed, err := db.ListAppointments(ctx, t0, t0.Add(24*time.Hour), model.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "a1", confirmed[0].ID)

	all, err := db.ListAppointments(ctx, t0.Add(-72*time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// a3 is outside the window and already ended.
	forSync, err := db.ListForSync(ctx, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, forSync, 2)

	var ids []string
	for a, err := range db.AppointmentsInRange(ctx, t0.Add(-72*time.Hour), t0.Add(24*time.Hour)) {
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"a3", "a1", "a2"}, ids)

	var mine []string
	for a, err := range db.AppointmentsByCustomer(ctx, "cust-a2") {
		require.NoError(t, err)
		mine = append(mine, a.ID)
	}
	assert.Equal(t, []string{"a2"}, mine)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.InTx(ctx, func(q *Queries) error {
		if err := q.InsertAppointment(ctx, appointment("a1", t0, time.Hour, model.StatusPending)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.Queries().GetAppointment(ctx, "a1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAudit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0, time.Hour, model.StatusPending))

	oldStart := t0.Add(-time.Hour)
	entries := []model.AuditEntry{
		{AppointmentID: "a1", At: t0.Add(-48 * time.Hour), Actor: "cust-a1", Action: model.ActionCreated, ToStatus: model.StatusPending},
		{AppointmentID: "a1", At: t0.Add(-24 * time.Hour), Actor: "admin", Action: model.ActionRescheduled,
			FromStatus: model.StatusPending, ToStatus: model.StatusPending, OldStart: &oldStart, OldDuration: 30 * time.Minute},
	}
	for i := range entries {
		require.NoError(t, db.Queries().InsertAudit(ctx, &entries[i]))
		assert.NotZero(t, entries[i].ID)
	}

	trail, err := db.Queries().ListAudit(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.ActionCreated, trail[0].Action)
	assert.Nil(t, trail[0].OldStart)
	require.NotNil(t, trail[1].OldStart)
	assert.True(t, trail[1].OldStart.Equal(oldStart))
	assert.Equal(t, 30*time.Minute, trail[1].OldDuration)

	recent, err := db.AuditBetween(ctx, t0.Add(-30*time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "admin", recent[0].Actor)

	a, err := db.Queries().GetAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, a.Audit, 2)
}

func TestReminderRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewReminderRepository(db)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0.Add(3*time.Hour), time.Hour, model.StatusConfirmed))

	job := reminders.Job{AppointmentID: "a1", Lead: 2 * time.Hour, FireAt: t0.Add(time.Hour)}
	n, err := repo.EnsureJobs(ctx, []reminders.Job{job}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Moving the appointment moves the pending job, without creating another.
	job.FireAt = t0.Add(30 * time.Minute)
	n, err = repo.EnsureJobs(ctx, []reminders.Job{job}, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	due, err := repo.FindDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.FindDue(ctx, t0.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].FireAt.Equal(t0.Add(30*time.Minute)))

	now := t0.Add(31 * time.Minute)
	first, second := due[0], due[0]
	ok, err := repo.TryAcquire(ctx, &first, "worker-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.TryAcquire(ctx, &second, "worker-2", now)
	require.NoError(t, err)
	assert.False(t, ok, "a job is claimed once")

	second.ClaimToken = "worker-2"
	assert.ErrorIs(t, repo.BeginSend(ctx, &second, now), reminders.ErrClaimLost)

	require.NoError(t, repo.BeginSend(ctx, &first, now))
	assert.Equal(t, 1, first.Attempts)
	require.NoError(t, repo.MarkSent(ctx, &first, now))

	jobs, err := repo.ListJobs(ctx, reminders.JobFilter{AppointmentID: "a1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, reminders.JobSent, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	require.NotNil(t, jobs[0].SentAt)
	assert.True(t, jobs[0].SentAt.Equal(now))

	// A sent job is never refreshed back to pending.
	job.FireAt = t0.Add(5 * time.Hour)
	_, err = repo.EnsureJobs(ctx, []reminders.Job{job}, now)
	require.NoError(t, err)
	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[reminders.JobStatus]int{reminders.JobSent: 1}, counts)

	deleted, err := repo.DeleteFinishedBefore(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestReminderRepository_RetryAndRelease(t *testing.T) {
	db := newTestDB(t)
	repo := NewReminderRepository(db)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0.Add(3*time.Hour), time.Hour, model.StatusConfirmed))

	_, err := repo.EnsureJobs(ctx, []reminders.Job{{AppointmentID: "a1", Lead: 2 * time.Hour, FireAt: t0.Add(time.Hour)}}, t0)
	require.NoError(t, err)

	now := t0.Add(time.Hour)
	due, err := repo.FindDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	job := due[0]

	ok, err := repo.TryAcquire(ctx, &job, "w", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Release(ctx, &job, t0.Add(2*time.Hour), now))
	assert.Equal(t, reminders.JobPending, job.Status)

	due, err = repo.FindDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	now = t0.Add(2 * time.Hour)
	ok, err = repo.TryAcquire(ctx, &job, "w", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.BeginSend(ctx, &job, now))
	require.NoError(t, repo.MarkRetry(ctx, &job, now.Add(5*time.Minute), "timeout", now))

	due, err = repo.FindDue(ctx, now.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "retry waits for next_attempt_at")

	due, err = repo.FindDue(ctx, now.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "timeout", due[0].LastError)

	job = due[0]
	later := now.Add(5 * time.Minute)
	ok, err = repo.TryAcquire(ctx, &job, "w", later)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.BeginSend(ctx, &job, later))
	require.NoError(t, repo.MarkFailed(ctx, &job, "invalid number", later))

	failed, err := repo.ListJobs(ctx, reminders.JobFilter{Status: []reminders.JobStatus{reminders.JobFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, "invalid number", failed[0].LastError)
}

func TestReminderRepository_SkipInactiveAndRecover(t *testing.T) {
	db := newTestDB(t)
	repo := NewReminderRepository(db)
	ctx := context.Background()
	insert(t, db, appointment("cancelled", t0.Add(3*time.Hour), time.Hour, model.StatusCancelled))
	insert(t, db, appointment("claimed", t0.Add(5*time.Hour), time.Hour, model.StatusConfirmed))
	insert(t, db, appointment("sending", t0.Add(7*time.Hour), time.Hour, model.StatusConfirmed))

	_, err := repo.EnsureJobs(ctx, []reminders.Job{
		{AppointmentID: "cancelled", Lead: time.Hour, FireAt: t0},
		{AppointmentID: "claimed", Lead: time.Hour, FireAt: t0},
		{AppointmentID: "sending", Lead: time.Hour, FireAt: t0},
	}, t0)
	require.NoError(t, err)

	skipped, err := repo.SkipInactive(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	jobs, err := repo.ListJobs(ctx, reminders.JobFilter{AppointmentID: "cancelled"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, reminders.JobSkipped, jobs[0].Status)
	assert.Equal(t, "appointment cancelled", jobs[0].LastError)

	due, err := repo.FindDue(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	for i := range due {
		ok, err := repo.TryAcquire(ctx, &due[i], "crashed", t0)
		require.NoError(t, err)
		require.True(t, ok)
		if due[i].AppointmentID == "sending" {
			require.NoError(t, repo.BeginSend(ctx, &due[i], t0))
		}
	}

	released, failed, err := repo.RecoverClaims(ctx, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, released+failed, "fresh claims are left alone")

	released, failed, err = repo.RecoverClaims(ctx, t0.Add(time.Minute), t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, failed)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[reminders.JobPending])
	assert.Equal(t, 1, counts[reminders.JobFailed])
	assert.Equal(t, 1, counts[reminders.JobSkipped])
}

func TestMirrorRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewMirrorRepository(db)
	ctx := context.Background()
	insert(t, db, appointment("a1", t0, time.Hour, model.StatusConfirmed))

	m, err := repo.GetMirror(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, m)

	mirror := calendar.Mirror{
		AppointmentID:   "a1",
		ExternalID:      "evt-1",
		Start:           t0,
		End:             t0.Add(time.Hour),
		ETag:            "1",
		ExternalUpdated: t0.Add(-time.Hour),
		LocalVersion:    1,
		SyncedAt:        t0,
	}
	require.NoError(t, repo.SaveMirror(ctx, mirror))

	mirror.ETag = "2"
	mirror.Start = t0.Add(time.Hour)
	mirror.End = t0.Add(2 * time.Hour)
	mirror.LocalVersion = 2
	require.NoError(t, repo.SaveMirror(ctx, mirror))

	got, err := repo.GetMirror(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.ETag)
	assert.True(t, got.Start.Equal(t0.Add(time.Hour)))
	assert.Equal(t, int64(2), got.LocalVersion)

	all, err := repo.ListMirrors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.DeleteMirror(ctx, "a1"))
	all, err = repo.ListMirrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBackupService(t *testing.T) {
	db := newTestDB(t)
	insert(t, db, appointment("a1", t0, time.Hour, model.StatusConfirmed))

	dir := t.TempDir()
	logger := zerolog.Nop()
	svc := NewBackupService(db, BackupConfig{Enabled: true, StoragePath: dir, RetentionDays: 7}, &logger)
	svc.now = func() time.Time { return t0 }

	path, err := svc.PerformBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backup_20260302_090000.db"), path)

	restored, err := NewDB(path, &logger)
	require.NoError(t, err)
	defer restored.Close()
	a, err := restored.Queries().GetAppointment(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "Haircut", a.ServiceName)

	old := filepath.Join(dir, "backup_20260101_000000.db")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	stale := t0.AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "notes.txt"), stale, stale))

	assert.Equal(t, 1, svc.CleanupOldBackups())
	assert.NoFileExists(t, old)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}
