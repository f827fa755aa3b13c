package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bookingd/internal/model"
	"bookingd/internal/reminders"
	"github.com/rs/zerolog"
)

// Summary is the admin digest of one day's active appointments.
type Summary struct {
	Date         time.Time
	Appointments []model.Appointment
	Revenue      float64
	ByService    map[string]int
}

// BuildSummary collects the active appointments starting on date's calendar day in loc.
func BuildSummary(ctx context.Context, lister AppointmentLister, date time.Time, loc *time.Location) (Summary, error) {
	if loc == nil {
		loc = time.UTC
	}
	d := date.In(loc)
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	s := Summary{Date: from, ByService: make(map[string]int)}

	for a, err := range lister.ListByRange(ctx, from, from.AddDate(0, 0, 1)) {
		if err != nil {
			return Summary{}, fmt.Errorf("list appointments: %w", err)
		}
		if !a.Active() {
			continue
		}
		s.Appointments = append(s.Appointments, a)
		s.Revenue += a.Price
		s.ByService[a.ServiceName]++
	}
	sort.SliceStable(s.Appointments, func(i, j int) bool {
		return s.Appointments[i].Start.Before(s.Appointments[j].Start)
	})
	return s, nil
}

// Subject is the message subject line.
func (s Summary) Subject() string {
	return "Daily appointment summary for " + s.Date.Format("Monday, January 2")
}

// Text renders the summary for chat, SMS or email.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule for %s (%d appointments)\n\n", s.Date.Format("Monday, January 2"), len(s.Appointments))
	if len(s.Appointments) == 0 {
		b.WriteString("No appointments booked.\n")
		return b.String()
	}
	loc := s.Date.Location()
	for _, a := range s.Appointments {
		fmt.Fprintf(&b, "- %s %s (%s)", a.Start.In(loc).Format("15:04"), a.Customer.Name, a.ServiceName)
		if a.Status == model.StatusPending {
			b.WriteString(" [pending]")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nExpected revenue: %.2f\n", s.Revenue)
	return b.String()
}

// Summarizer sends tomorrow's summary to the admins.
type Summarizer struct {
	appointments AppointmentLister
	notifier     reminders.Notifier
	admins       []model.Customer
	loc          *time.Location
	logger       zerolog.Logger
	now          func() time.Time
}

func NewSummarizer(appointments AppointmentLister, notifier reminders.Notifier, admins []model.Customer, loc *time.Location, logger zerolog.Logger) *Summarizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Summarizer{
		appointments: appointments,
		notifier:     notifier,
		admins:       admins,
		loc:          loc,
		logger:       logger.With().Str("component", "summary").Logger(),
		now:          time.Now,
	}
}

// SendTomorrow delivers the summary of the next calendar day. Days without
// appointments are not reported.
func (s *Summarizer) SendTomorrow(ctx context.Context) (Summary, error) {
	sum, err := BuildSummary(ctx, s.appointments, s.now().In(s.loc).AddDate(0, 0, 1), s.loc)
	if err != nil {
		return Summary{}, err
	}
	if len(sum.Appointments) == 0 {
		return sum, nil
	}

	var failed int
	for _, admin := range s.admins {
		if err := s.notifier.Send(ctx, admin, sum.Subject(), sum.Text()); err != nil {
			failed++
			s.logger.Error().Err(err).Str("admin", admin.Ref).Msg("failed to send daily summary")
		}
	}
	s.logger.Info().
		Int("appointments", len(sum.Appointments)).
		Int("admins", len(s.admins)).
		Int("failed", failed).
		Msg("daily summary sent")
	if failed > 0 && failed == len(s.admins) {
		return sum, fmt.Errorf("daily summary not delivered to any admin")
	}
	return sum, nil
}
