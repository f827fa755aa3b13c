package report

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"bookingd/internal/model"
	"bookingd/internal/reminders"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type sliceLister []model.Appointment

func (s sliceLister) ListByRange(_ context.Context, from, to time.Time) iter.Seq2[model.Appointment, error] {
	return func(yield func(model.Appointment, error) bool) {
		for _, a := range s {
			if a.Start.Before(from) || !a.Start.Before(to) {
				continue
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}

type failingLister struct{}

func (failingLister) ListByRange(context.Context, time.Time, time.Time) iter.Seq2[model.Appointment, error] {
	return func(yield func(model.Appointment, error) bool) {
		yield(model.Appointment{}, errors.New("db down"))
	}
}

type auditLister []model.AuditEntry

func (a auditLister) AuditBetween(context.Context, time.Time, time.Time) ([]model.AuditEntry, error) {
	return a, nil
}

type jobLister []reminders.Job

func (j jobLister) Jobs(context.Context, reminders.JobFilter) ([]reminders.Job, error) {
	return j, nil
}

func appt(id, name, service string, start time.Time, status model.Status, price float64) model.Appointment {
	return model.Appointment{
		ID:          id,
		ResourceID:  model.DefaultResource,
		Customer:    model.Customer{Ref: "c-" + id, Name: name, Phone: "+15550001"},
		ServiceName: service,
		Price:       price,
		Start:       start,
		Duration:    time.Hour,
		Status:      status,
		Source:      model.SourceWeb,
	}
}

var march = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func fixtures() sliceLister {
	return sliceLister{
		appt("a2", "Bob", "Coloring", march.Add(3*time.Hour), model.StatusPending, 90),
		appt("a1", "Alice", "Haircut", march, model.StatusConfirmed, 35),
		appt("a3", "Carol", "Styling", march.Add(5*time.Hour), model.StatusCancelled, 25),
		appt("a4", "Dan", "Haircut", march.AddDate(0, 1, 0), model.StatusConfirmed, 35),
	}
}

func TestExporter_Export(t *testing.T) {
	oldStart := march.Add(-time.Hour)
	audit := auditLister{
		{AppointmentID: "a1", At: march.Add(-48 * time.Hour), Actor: "c-a1", Action: model.ActionCreated, ToStatus: model.StatusPending},
		{AppointmentID: "a1", At: march.Add(-24 * time.Hour), Actor: "admin", Action: model.ActionRescheduled, OldStart: &oldStart},
	}
	jobs := jobLister{
		{AppointmentID: "a1", Lead: 2 * time.Hour, FireAt: march.Add(-2 * time.Hour), Status: reminders.JobFailed, Attempts: 4, LastError: "max retries exceeded"},
	}

	exp, err := NewExporter(fixtures(), audit, jobs, time.UTC, zerolog.Nop()).Export(context.Background(), march)
	require.NoError(t, err)
	assert.Equal(t, "appointments_2026-03.xlsx", exp.Filename)

	f, err := excelize.OpenReader(bytes.NewReader(exp.Data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Appointments", "Audit", "Reminders"}, f.GetSheetList())

	rows, err := f.GetRows("Appointments")
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus March appointments")
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "a2", rows[1][0])
	assert.Equal(t, "Bob", rows[1][2])
	assert.Equal(t, "2026-03-02 12:00", rows[1][6])

	rows, err = f.GetRows("Audit")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2026-03-02 08:00", rows[2][6])

	rows, err = f.GetRows("Reminders")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "failed", rows[1][3])
	assert.Equal(t, "max retries exceeded", rows[1][5])
}

func TestExporter_AppointmentsOnly(t *testing.T) {
	exp, err := NewExporter(fixtures(), nil, nil, nil, zerolog.Nop()).Export(context.Background(), march)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(exp.Data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Appointments"}, f.GetSheetList())
}

func TestExporter_ListError(t *testing.T) {
	_, err := NewExporter(failingLister{}, nil, nil, time.UTC, zerolog.Nop()).Export(context.Background(), march)
	assert.Error(t, err)
}

type docSender struct {
	mu   sync.Mutex
	sent map[int64]string
}

func (d *docSender) SendDocument(_ context.Context, chatID int64, name string, _ []byte, caption string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent == nil {
		d.sent = make(map[int64]string)
	}
	d.sent[chatID] = name + "|" + caption
	return nil
}

func TestExporter_ExportPreviousMonth(t *testing.T) {
	sender := &docSender{}
	now := time.Date(2026, 3, 31, 6, 0, 0, 0, time.UTC)
	err := NewExporter(fixtures(), nil, nil, time.UTC, zerolog.Nop()).
		ExportPreviousMonth(context.Background(), now, sender, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{
		1: "appointments_2026-02.xlsx|Appointments for February 2026",
		2: "appointments_2026-02.xlsx|Appointments for February 2026",
	}, sender.sent)
}

func TestMonthBounds(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	from, to := MonthBounds(time.Date(2026, 1, 31, 22, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, loc), from)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, loc), to)
}

func TestBuildSummary(t *testing.T) {
	s, err := BuildSummary(context.Background(), fixtures(), march, time.UTC)
	require.NoError(t, err)
	require.Len(t, s.Appointments, 2)
	assert.Equal(t, "a1", s.Appointments[0].ID)
	assert.Equal(t, 125.0, s.Revenue)
	assert.Equal(t, map[string]int{"Haircut": 1, "Coloring": 1}, s.ByService)

	text := s.Text()
	assert.Contains(t, text, "Schedule for Monday, March 2 (2 appointments)")
	assert.Contains(t, text, "- 09:00 Alice (Haircut)\n")
	assert.Contains(t, text, "- 12:00 Bob (Coloring) [pending]\n")
	assert.NotContains(t, text, "Carol")
	assert.Contains(t, text, "Expected revenue: 125.00")
	assert.Equal(t, "Daily appointment summary for Monday, March 2", s.Subject())

	empty, err := BuildSummary(context.Background(), fixtures(), march.AddDate(0, 0, 1), time.UTC)
	require.NoError(t, err)
	assert.Contains(t, empty.Text(), "No appointments booked.")
}

type recordingNotifier struct {
	to   []string
	body string
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, to model.Customer, _, body string) error {
	r.to = append(r.to, to.Ref)
	r.body = body
	return r.err
}

func TestSummarizer_SendTomorrow(t *testing.T) {
	n := &recordingNotifier{}
	admins := []model.Customer{{Ref: "owner", Phone: "+15550009"}, {Ref: "front-desk", Email: "desk@example.com"}}
	s := NewSummarizer(fixtures(), n, admins, time.UTC, zerolog.Nop())
	s.now = func() time.Time { return march.AddDate(0, 0, -1) }

	sum, err := s.SendTomorrow(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Appointments, 2)
	assert.Equal(t, []string{"owner", "front-desk"}, n.to)
	assert.True(t, strings.Contains(n.body, "Alice"))

	n.to, n.err = nil, errors.New("unreachable")
	_, err = s.SendTomorrow(context.Background())
	assert.Error(t, err)

	// Nothing booked for the day after: nothing sent.
	n.to, n.err = nil, nil
	s.now = func() time.Time { return march }
	_, err = s.SendTomorrow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, n.to)
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(time.UTC, zerolog.Nop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(context.Background(), "summary", DailySummarySpec, noop))
	require.NoError(t, s.Add(context.Background(), "export", MonthlyExportSpec, noop))
	require.NoError(t, s.Add(context.Background(), "cleanup", ReminderCleanupSpec, noop))
	assert.Error(t, s.Add(context.Background(), "bad", "every day", noop))
	assert.Equal(t, 3, s.Len())

	s.Start()
	s.Stop()
}
