// Package report builds the admin summary and the monthly Excel export.
package report

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"time"

	"bookingd/internal/model"
	"bookingd/internal/reminders"
	"github.com/rs/zerolog"
)

// AppointmentLister yields appointments starting in [from, to).
type AppointmentLister interface {
	ListByRange(ctx context.Context, from, to time.Time) iter.Seq2[model.Appointment, error]
}

// AuditLister returns audit entries recorded in [from, to).
type AuditLister interface {
	AuditBetween(ctx context.Context, from, to time.Time) ([]model.AuditEntry, error)
}

// JobLister returns reminder jobs.
type JobLister interface {
	Jobs(ctx context.Context, filter reminders.JobFilter) ([]reminders.Job, error)
}

// DocumentSender delivers a finished export, e.g. to an admin chat.
type DocumentSender interface {
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
}

// Export is a rendered workbook.
type Export struct {
	Filename string
	Data     []byte
}

// Exporter writes a month of appointments, their audit trail and reminder
// outcomes into one workbook.
type Exporter struct {
	appointments AppointmentLister
	audit        AuditLister
	jobs         JobLister
	loc          *time.Location
	logger       zerolog.Logger
}

func NewExporter(appointments AppointmentLister, audit AuditLister, jobs JobLister, loc *time.Location, logger zerolog.Logger) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{
		appointments: appointments,
		audit:        audit,
		jobs:         jobs,
		loc:          loc,
		logger:       logger.With().Str("component", "export").Logger(),
	}
}

// MonthBounds returns [first of month, first of next month) in loc.
func MonthBounds(month time.Time, loc *time.Location) (time.Time, time.Time) {
	m := month.In(loc)
	from := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 1, 0)
}

// Filename names the export of month, e.g. "appointments_2026-03.xlsx".
func Filename(month time.Time) string {
	return fmt.Sprintf("appointments_%s.xlsx", month.Format("2006-01"))
}

func (e *Exporter) Export(ctx context.Context, month time.Time) (*Export, error) {
	from, to := MonthBounds(month, e.loc)

	w := newSheetWriter()
	defer w.Close()

	appts, err := e.writeAppointments(ctx, w, from, to)
	if err != nil {
		return nil, err
	}
	if e.audit != nil {
		if err := e.writeAudit(ctx, w, from, to); err != nil {
			return nil, err
		}
	}
	if e.jobs != nil {
		if err := e.writeReminders(ctx, w, from, to); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := w.Save(&buf); err != nil {
		return nil, fmt.Errorf("save workbook: %w", err)
	}

	e.logger.Info().
		Str("month", from.Format("2006-01")).
		Int("appointments", appts).
		Int("bytes", buf.Len()).
		Msg("export generated")
	return &Export{Filename: Filename(from), Data: buf.Bytes()}, nil
}

func (e *Exporter) writeAppointments(ctx context.Context, w *sheetWriter, from, to time.Time) (int, error) {
	if err := w.AddSheet("Appointments"); err != nil {
		return 0, err
	}
	if err := w.WriteHeader([]string{
		"ID", "Resource", "Customer", "Phone", "Service", "Price", "Start", "End", "Status", "Source", "External Event",
	}); err != nil {
		return 0, err
	}

	n := 0
	for a, err := range e.appointments.ListByRange(ctx, from, to) {
		if err != nil {
			return n, fmt.Errorf("list appointments: %w", err)
		}
		if err := w.WriteRow([]any{
			a.ID, a.ResourceID, a.Customer.Name, a.Customer.Phone, a.ServiceName, a.Price,
			e.format(a.Start), e.format(a.End()), string(a.Status), string(a.Source), a.ExternalEventID,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Exporter) writeAudit(ctx context.Context, w *sheetWriter, from, to time.Time) error {
	entries, err := e.audit.AuditBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list audit: %w", err)
	}
	if err := w.AddSheet("Audit"); err != nil {
		return err
	}
	if err := w.WriteHeader([]string{"Appointment", "At", "Actor", "Action", "From", "To", "Old Start", "Note"}); err != nil {
		return err
	}
	for _, en := range entries {
		oldStart := ""
		if en.OldStart != nil {
			oldStart = e.format(*en.OldStart)
		}
		if err := w.WriteRow([]any{
			en.AppointmentID, e.format(en.At), en.Actor, en.Action,
			string(en.FromStatus), string(en.ToStatus), oldStart, en.Note,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeReminders(ctx context.Context, w *sheetWriter, from, to time.Time) error {
	jobs, err := e.jobs.Jobs(ctx, reminders.JobFilter{From: from, To: to})
	if err != nil {
		return fmt.Errorf("list reminder jobs: %w", err)
	}
	if err := w.AddSheet("Reminders"); err != nil {
		return err
	}
	if err := w.WriteHeader([]string{"Appointment", "Lead", "Fire At", "Status", "Attempts", "Last Error"}); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := w.WriteRow([]any{
			j.AppointmentID, j.Lead.String(), e.format(j.FireAt), string(j.Status), j.Attempts, j.LastError,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(e.loc).Format("2006-01-02 15:04")
}

// ExportPreviousMonth renders last month's export and sends it to every chat.
func (e *Exporter) ExportPreviousMonth(ctx context.Context, now time.Time, sender DocumentSender, chatIDs []int64) error {
	thisMonth, _ := MonthBounds(now, e.loc)
	month := thisMonth.AddDate(0, -1, 0)
	exp, err := e.Export(ctx, month)
	if err != nil {
		return err
	}
	caption := "Appointments for " + month.Format("January 2006")
	for _, id := range chatIDs {
		if err := sender.SendDocument(ctx, id, exp.Filename, exp.Data, caption); err != nil {
			e.logger.Error().Err(err).Int64("chat_id", id).Msg("failed to deliver export")
		}
	}
	return nil
}
