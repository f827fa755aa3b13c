package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookingd/internal/metrics"
	"bookingd/internal/model"
)

const (
	dateLayout = "2006-01-02"

	// MaxListDaysRange is the maximum number of days allowed in a listing.
	MaxListDaysRange = 90

	defaultActor = "api"
)

// BookingRequest is the body of POST /api/bookings.
type BookingRequest struct {
	ResourceID      string         `json:"resource_id,omitempty"`
	Customer        model.Customer `json:"customer"`
	Service         string         `json:"service,omitempty"`
	Start           time.Time      `json:"start"`
	DurationMinutes int            `json:"duration_minutes,omitempty"`
	Source          string         `json:"source,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Alternatives    int            `json:"alternatives,omitempty"`
	Confirm         bool           `json:"confirm,omitempty"`
}

// StatusRequest is the body of POST /api/appointments/{id}/status.
type StatusRequest struct {
	Status model.Status `json:"status"`
	Actor  string       `json:"actor,omitempty"`
}

// RescheduleRequest is the body of POST /api/appointments/{id}/reschedule.
// A zero duration keeps the current one.
type RescheduleRequest struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	Actor           string    `json:"actor,omitempty"`
}

// AppointmentsResponse is the response for GET /api/appointments.
type AppointmentsResponse struct {
	Appointments []model.Appointment `json:"appointments"`
	Count        int                 `json:"count"`
}

// SlotsResponse is the response for GET /api/slots.
type SlotsResponse struct {
	Date            string       `json:"date"`
	ResourceID      string       `json:"resource_id"`
	DurationMinutes int          `json:"duration_minutes,omitempty"`
	Slots           []model.Slot `json:"slots"`
}

// handleCreateBooking books a slot or answers with alternatives.
// POST /api/bookings
func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("create_booking")

	var req BookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c := model.Candidate{
		ResourceID:   req.ResourceID,
		Customer:     req.Customer,
		Start:        req.Start,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
		Source:       model.Source(req.Source),
		Notes:        req.Notes,
		Alternatives: req.Alternatives,
		Confirm:      req.Confirm,
	}
	if req.Service != "" {
		if svc, ok := s.bookings.Catalogue().Lookup(req.Service); ok {
			c.ServiceID = svc.ID
		} else {
			c.ServiceName = req.Service
		}
	}

	a, err := s.bookings.Create(r.Context(), c)
	if err != nil {
		s.writeDomainError(w, "create_booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleListAppointments lists appointments of a date range or of one customer.
// GET /api/appointments?from=YYYY-MM-DD&to=YYYY-MM-DD&status=pending,confirmed
// GET /api/appointments?customer=REF
func (s *HTTPServer) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("list_appointments")
	q := r.URL.Query()

	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if ref := q.Get("customer"); ref != "" {
		out := make([]model.Appointment, 0)
		for a, err := range s.bookings.ListByCustomer(r.Context(), ref) {
			if err != nil {
				s.writeDomainError(w, "list_appointments", err)
				return
			}
			if matchesStatus(a.Status, statuses) {
				out = append(out, a)
			}
		}
		writeJSON(w, http.StatusOK, AppointmentsResponse{Appointments: out, Count: len(out)})
		return
	}

	from, to, err := s.parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appts, err := s.bookings.List(r.Context(), from, to, statuses...)
	if err != nil {
		s.writeDomainError(w, "list_appointments", err)
		return
	}
	if appts == nil {
		appts = []model.Appointment{}
	}
	writeJSON(w, http.StatusOK, AppointmentsResponse{Appointments: appts, Count: len(appts)})
}

// handleGetAppointment returns one appointment with its audit history.
// GET /api/appointments/{id}
func (s *HTTPServer) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("get_appointment")

	a, err := s.bookings.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, "get_appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleUpdateStatus moves an appointment along the lifecycle.
// POST /api/appointments/{id}/status
func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("update_status")

	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	a, err := s.bookings.UpdateStatus(r.Context(), r.PathValue("id"), req.Status, actorOr(req.Actor))
	if err != nil {
		s.writeDomainError(w, "update_status", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleReschedule moves an appointment to a new interval.
// POST /api/appointments/{id}/reschedule
func (s *HTTPServer) handleReschedule(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("reschedule")

	var req RescheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Start.IsZero() {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}

	id := r.PathValue("id")
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if req.DurationMinutes == 0 {
		current, err := s.bookings.Get(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, "reschedule", err)
			return
		}
		duration = current.Duration
	}

	a, err := s.bookings.Reschedule(r.Context(), id, req.Start, duration, actorOr(req.Actor))
	if err != nil {
		s.writeDomainError(w, "reschedule", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleSlots lists bookable slots of one day.
// GET /api/slots?date=YYYY-MM-DD&service=haircut&duration_minutes=45&resource=default
func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("slots")
	q := r.URL.Query()

	date, err := s.parseDate(q.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var duration time.Duration
	if raw := q.Get("duration_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, "duration_minutes must be a positive integer")
			return
		}
		duration = time.Duration(minutes) * time.Minute
	}
	service := q.Get("service")
	if duration == 0 && service == "" {
		writeError(w, http.StatusBadRequest, "service or duration_minutes is required")
		return
	}

	resource := q.Get("resource")
	if resource == "" {
		resource = model.DefaultResource
	}
	slots, err := s.bookings.OpenSlots(r.Context(), resource, service, date, duration)
	if err != nil {
		s.writeDomainError(w, "slots", err)
		return
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	if duration == 0 {
		duration = s.bookings.Catalogue().Resolve(service).Duration
	}

	writeJSON(w, http.StatusOK, SlotsResponse{
		Date:            date.Format(dateLayout),
		ResourceID:      resource,
		DurationMinutes: int(duration / time.Minute),
		Slots:           slots,
	})
}

// handleServices returns the service catalogue.
// GET /api/services
func (s *HTTPServer) handleServices(w http.ResponseWriter, _ *http.Request) {
	metrics.IncHTTP("services")

	type service struct {
		ID              string  `json:"id"`
		Name            string  `json:"name"`
		Price           float64 `json:"price"`
		DurationMinutes int     `json:"duration_minutes"`
	}
	all := s.bookings.Catalogue().All()
	out := make([]service, 0, len(all))
	for _, svc := range all {
		out = append(out, service{ID: svc.ID, Name: svc.Name, Price: svc.Price, DurationMinutes: int(svc.Duration / time.Minute)})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDayReport analyses gaps and efficiency of one day.
// GET /api/reports/day?date=YYYY-MM-DD&resource=default
func (s *HTTPServer) handleDayReport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("day_report")

	date, err := s.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.bookings.DayReport(r.Context(), r.URL.Query().Get("resource"), date)
	if err != nil {
		s.writeDomainError(w, "day_report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseDate reads YYYY-MM-DD in the business timezone; empty means today.
func (s *HTTPServer) parseDate(raw string) (time.Time, error) {
	if raw == "" {
		n := s.now().In(s.loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc), nil
	}
	d, err := time.ParseInLocation(dateLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q; expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// parseRange returns [from, to+1 day). to defaults to a week after from.
func (s *HTTPServer) parseRange(rawFrom, rawTo string) (time.Time, time.Time, error) {
	from, err := s.parseDate(rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to := from.AddDate(0, 0, 7)
	if rawTo != "" {
		last, err := s.parseDate(rawTo)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = last.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before or equal to to")
	}
	if to.Sub(from) > MaxListDaysRange*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("date range exceeds maximum of %d days", MaxListDaysRange)
	}
	return from, to, nil
}

func parseStatuses(raw string) ([]model.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var out []model.Status
	for _, part := range strings.Split(raw, ",") {
		st := model.Status(strings.TrimSpace(part))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func matchesStatus(st model.Status, statuses []model.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if st == want {
			return true
		}
	}
	return false
}

func actorOr(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return defaultActor
	}
	return actor
}
