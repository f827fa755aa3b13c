// Package api is the HTTP JSON boundary of the scheduling engine: booking
// requests from the front ends and the admin operations.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strings"
	"time"

	"bookingd/internal/availability"
	"bookingd/internal/database"
	"bookingd/internal/model"
	"bookingd/internal/reminders"
	"github.com/rs/zerolog"
)

// Bookings is the appointment store as seen by the API.
type Bookings interface {
	Create(ctx context.Context, c model.Candidate) (*model.Appointment, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, actor string) (*model.Appointment, error)
	Reschedule(ctx context.Context, id string, start time.Time, duration time.Duration, actor string) (*model.Appointment, error)
	Get(ctx context.Context, id string) (*model.Appointment, error)
	List(ctx context.Context, from, to time.Time, statuses ...model.Status) ([]model.Appointment, error)
	ListByCustomer(ctx context.Context, ref string) iter.Seq2[model.Appointment, error]
	OpenSlots(ctx context.Context, resourceID, service string, date time.Time, duration time.Duration) ([]model.Slot, error)
	DayReport(ctx context.Context, resourceID string, date time.Time) (availability.DayReport, error)
	Catalogue() *model.Catalogue
}

// Reminders is the reminder scheduler as seen by the API.
type Reminders interface {
	Jobs(ctx context.Context, filter reminders.JobFilter) ([]reminders.Job, error)
	Stats(ctx context.Context) (map[reminders.JobStatus]int, error)
	SendTest(ctx context.Context, appointmentID string) error
}

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	APIKey       string
	Location     *time.Location
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type HTTPServer struct {
	mux       *http.ServeMux
	server    *http.Server
	bookings  Bookings
	reminders Reminders
	apiKey    string
	loc       *time.Location
	log       zerolog.Logger
	now       func() time.Time
}

// NewHTTPServer builds the server and registers the routes.
func NewHTTPServer(cfg Config, bookings Bookings, rem Reminders, logger zerolog.Logger) *HTTPServer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &HTTPServer{
		mux:       http.NewServeMux(),
		bookings:  bookings,
		reminders: rem,
		apiKey:    cfg.APIKey,
		loc:       cfg.Location,
		log:       logger.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *HTTPServer) registerRoutes() {
	s.handle("POST /api/bookings", s.handleCreateBooking)

	s.handle("GET /api/appointments", s.handleListAppointments)
	s.handle("GET /api/appointments/{id}", s.handleGetAppointment)
	s.handle("POST /api/appointments/{id}/status", s.handleUpdateStatus)
	s.handle("POST /api/appointments/{id}/reschedule", s.handleReschedule)

	s.handle("GET /api/slots", s.handleSlots)
	s.handle("GET /api/services", s.handleServices)
	s.handle("GET /api/reports/day", s.handleDayReport)

	if s.reminders != nil {
		s.handle("GET /api/reminders/failed", s.handleFailedReminders)
		s.handle("GET /api/reminders/stats", s.handleReminderStats)
		s.handle("POST /api/reminders/{id}/test", s.handleTestReminder)
	}
}

func (s *HTTPServer) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.requireKey(h))
}

// Handle mounts an extra handler, e.g. health probes, outside the API key check.
func (s *HTTPServer) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler exposes the router, mostly for tests.
func (s *HTTPServer) Handler() http.Handler { return s.mux }

// requireKey checks the X-API-Key header or a bearer token when a key is set.
func (s *HTTPServer) requireKey(next http.HandlerFunc) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	})
}

func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP API")
	return s.server.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error        string       `json:"error"`
	Message      string       `json:"message"`
	Requested    *model.Slot  `json:"requested,omitempty"`
	Alternatives []model.Slot `json:"alternatives,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}

// statusFor maps the engine's error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, database.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, model.ErrOutOfHours), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPermanentFailure), errors.Is(err, model.ErrTransientFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err; conflicts carry the ranked alternatives.
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}

	resp := ErrorResponse{Error: http.StatusText(status), Message: err.Error()}
	if ce, ok := model.AsConflict(err); ok {
		requested := ce.Requested
		resp.Requested = &requested
		resp.Alternatives = ce.Alternatives
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
