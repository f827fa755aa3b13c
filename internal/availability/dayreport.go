package availability

import (
	"fmt"
	"math"
	"sort"
	"time"

	"bookingd/internal/model"
)

// Gap is idle time between two consecutive appointments.
type Gap struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Minutes int       `json:"minutes"`
}

// DayReport summarizes how well a day is packed.
type DayReport struct {
	Date         string              `json:"date"`
	Appointments []model.Appointment `json:"appointments"`
	Gaps         []Gap               `json:"gaps"`
	Efficiency   float64             `json:"efficiency"`
	Suggestions  []string            `json:"suggestions,omitempty"`
}

// AnalyzeDay reports gaps longer than twice the buffer and the ratio of
// booked minutes to the span from first start to last end.
func AnalyzeDay(cal *Calendar, date time.Time, appts []model.Appointment, buffer time.Duration) DayReport {
	report := DayReport{Date: cal.DateKey(date), Efficiency: 100}

	active := make([]model.Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Active() && cal.DateKey(a.Start) == report.Date {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Start.Before(active[j].Start) })
	report.Appointments = active

	if len(active) == 0 {
		return report
	}

	var worked time.Duration
	lastEnd := active[0].End()
	for i, a := range active {
		worked += a.Duration
		if i > 0 && a.Start.After(lastEnd) {
			idle := a.Start.Sub(lastEnd)
			if idle > 2*buffer {
				report.Gaps = append(report.Gaps, Gap{Start: lastEnd, End: a.Start, Minutes: int(idle.Minutes())})
			}
		}
		if a.End().After(lastEnd) {
			lastEnd = a.End()
		}
	}

	span := lastEnd.Sub(active[0].Start)
	if span > 0 {
		report.Efficiency = math.Min(100, math.Round(float64(worked)/float64(span)*1000)/10)
	}

	if report.Efficiency < 80 {
		report.Suggestions = suggestions(cal, active, report.Gaps)
	}
	return report
}

func suggestions(cal *Calendar, active []model.Appointment, gaps []Gap) []string {
	var out []string
	for _, g := range gaps {
		if g.Minutes >= 60 {
			out = append(out, fmt.Sprintf("Consider booking a %d-minute service between %s and %s",
				g.Minutes, cal.In(g.Start).Format("15:04"), cal.In(g.End).Format("15:04")))
		}
	}

	services := make(map[string]struct{})
	for _, a := range active {
		services[a.ServiceID] = struct{}{}
	}
	if len(services) > 1 {
		out = append(out, "Consider grouping similar services together for better workflow")
	}
	if cal.In(active[0].Start).Hour() < 10 {
		out = append(out, "Consider starting appointments later for better work-life balance")
	}
	return out
}
