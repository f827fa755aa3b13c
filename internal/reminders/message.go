package reminders

import (
	"fmt"
	"strings"
	"time"

	"bookingd/internal/model"
)

// BusinessInfo is printed in reminder messages.
type BusinessInfo struct {
	Name     string
	Location string
	Phone    string
}

// FormatReminder builds the subject and body of a reminder for appointment a
// as seen at now in loc.
func FormatReminder(a *model.Appointment, biz BusinessInfo, loc *time.Location, now time.Time) (string, string) {
	if loc == nil {
		loc = time.UTC
	}
	start := a.Start.In(loc)
	phrase := dayPhrase(start, now.In(loc))

	name := a.Customer.Name
	if name == "" {
		name = "there"
	}
	service := a.ServiceName
	if service == "" {
		service = a.ServiceID
	}

	subject := fmt.Sprintf("Appointment Reminder - %s at %s", start.Format(time.DateOnly), start.Format("15:04"))

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s!\n\n", name)
	b.WriteString("This is a friendly reminder about your upcoming appointment:\n\n")
	fmt.Fprintf(&b, "Date: %s\n", phrase)
	fmt.Fprintf(&b, "Time: %s\n", start.Format("15:04"))
	fmt.Fprintf(&b, "Service: %s\n", service)
	if biz.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", biz.Location)
	}
	b.WriteString("\nIf you need to reschedule or cancel, please contact us at least 24 hours in advance.")
	if biz.Phone != "" {
		fmt.Fprintf(&b, " Call %s.", biz.Phone)
	}
	b.WriteString("\n\nSee you soon!")
	if biz.Name != "" {
		fmt.Fprintf(&b, "\n- %s", biz.Name)
	}

	return subject, b.String()
}

func dayPhrase(start, now time.Time) string {
	sy, sm, sd := start.Date()
	ny, nm, nd := now.Date()
	startDay := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)

	switch startDay.Sub(today) {
	case 0:
		return "today"
	case 24 * time.Hour:
		return "tomorrow"
	default:
		return "on " + start.Format("January 02")
	}
}
