package config

import (
	"fmt"
	"strings"
	"time"

	"bookingd/internal/availability"
	"bookingd/internal/model"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseDay(h DayConfig) (availability.DayHours, error) {
	open, err := availability.ParseClock(h.Open)
	if err != nil {
		return availability.DayHours{}, fmt.Errorf("open: %w", err)
	}
	closeAt, err := availability.ParseClock(h.Close)
	if err != nil {
		return availability.DayHours{}, fmt.Errorf("close: %w", err)
	}
	if closeAt <= open {
		return availability.DayHours{}, fmt.Errorf("close %s must be after open %s", h.Close, h.Open)
	}

	day := availability.DayHours{Open: open, Close: closeAt}
	for i, b := range h.Breaks {
		start, err := availability.ParseClock(b.Start)
		if err != nil {
			return availability.DayHours{}, fmt.Errorf("breaks[%d].start: %w", i, err)
		}
		end, err := availability.ParseClock(b.End)
		if err != nil {
			return availability.DayHours{}, fmt.Errorf("breaks[%d].end: %w", i, err)
		}
		if end <= start {
			return availability.DayHours{}, fmt.Errorf("breaks[%d]: end must be after start", i)
		}
		if start < open || end > closeAt {
			return availability.DayHours{}, fmt.Errorf("breaks[%d]: break must be within working hours", i)
		}
		day.Breaks = append(day.Breaks, availability.Break{Start: start, End: end})
	}
	return day, nil
}

// BusinessCalendar builds the calendar the resolver checks requests against.
func (c *Config) BusinessCalendar() (*availability.Calendar, error) {
	loc, err := time.LoadLocation(c.Business.Timezone)
	if err != nil {
		return nil, fmt.Errorf("business.timezone: %w", err)
	}

	cal := &availability.Calendar{
		Location: loc,
		Weekly:   make(map[time.Weekday]availability.DayHours),
		Closures: make(map[string]string),
	}
	for name, h := range c.Business.Hours {
		wd, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("business.hours: unknown weekday %q", name)
		}
		if h.Closed {
			continue
		}
		day, err := parseDay(h)
		if err != nil {
			return nil, fmt.Errorf("business.hours.%s: %w", name, err)
		}
		cal.Weekly[wd] = day
	}
	for _, cl := range c.Business.Closures {
		name := cl.Name
		if name == "" {
			name = "closed"
		}
		cal.Closures[cl.Date] = name
	}
	return cal, nil
}

func serviceID(s ServiceConfig) string {
	if s.ID != "" {
		return s.ID
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s.Name)), " ", "-")
}

// Catalogue returns the configured services, or the built-in set when none
// are configured.
func (c *Config) Catalogue() *model.Catalogue {
	services := make([]model.Service, 0, len(c.Business.Services))
	for _, s := range c.Business.Services {
		d := model.DefaultServiceDuration
		if s.DurationMinutes > 0 {
			d = time.Duration(s.DurationMinutes) * time.Minute
		}
		services = append(services, model.Service{
			ID:       serviceID(s),
			Name:     s.Name,
			Price:    s.Price,
			Duration: d,
		})
	}
	return model.NewCatalogue(services)
}

// Admins returns the daily summary recipients as customers the notification
// dispatcher can reach.
func (c *Config) Admins() []model.Customer {
	out := make([]model.Customer, 0, len(c.Report.Admins))
	for i, a := range c.Report.Admins {
		ref := a.Name
		if ref == "" {
			ref = fmt.Sprintf("admin-%d", i+1)
		}
		out = append(out, model.Customer{
			Ref:            ref,
			Name:           a.Name,
			Phone:          a.Phone,
			Email:          a.Email,
			TelegramChatID: a.TelegramChatID,
		})
	}
	return out
}
