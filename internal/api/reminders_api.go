package api

import (
	"net/http"
	"strconv"
	"time"

	"bookingd/internal/metrics"
	"bookingd/internal/reminders"
)

const defaultFailedLimit = 100

// ReminderJob is the JSON view of a reminder job.
type ReminderJob struct {
	AppointmentID string `json:"appointment_id"`
	Lead          string `json:"lead"`
	FireAt        string `json:"fire_at"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
}

// handleFailedReminders lists reminders that gave up.
// GET /api/reminders/failed?limit=100
func (s *HTTPServer) handleFailedReminders(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("failed_reminders")

	limit := defaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.reminders.Jobs(r.Context(), reminders.JobFilter{
		Status: []reminders.JobStatus{reminders.JobFailed},
		Limit:  limit,
	})
	if err != nil {
		s.writeDomainError(w, "failed_reminders", err)
		return
	}

	out := make([]ReminderJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ReminderJob{
			AppointmentID: j.AppointmentID,
			Lead:          j.Lead.String(),
			FireAt:        j.FireAt.In(s.loc).Format(time.RFC3339),
			Status:        string(j.Status),
			Attempts:      j.Attempts,
			LastError:     j.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReminderStats returns job counts per status.
// GET /api/reminders/stats
func (s *HTTPServer) handleReminderStats(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("reminder_stats")

	stats, err := s.reminders.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, "reminder_stats", err)
		return
	}
	out := make(map[string]int, len(stats))
	for st, n := range stats {
		out[string(st)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTestReminder sends a reminder for the appointment right away.
// POST /api/reminders/{id}/test
func (s *HTTPServer) handleTestReminder(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("test_reminder")

	id := r.PathValue("id")
	if err := s.reminders.SendTest(r.Context(), id); err != nil {
		s.writeDomainError(w, "test_reminder", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "appointment_id": id})
}
