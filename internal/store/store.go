// Package store is the appointment store: the single owner of appointment
// records. Every mutation passes through here so the no-overlap invariant and
// the lifecycle graph are checked in one place.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"bookingd/internal/availability"
	"bookingd/internal/database"
	"bookingd/internal/events"
	"bookingd/internal/lock"
	"bookingd/internal/metrics"
	"bookingd/internal/model"
	"bookingd/internal/resolver"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls store-level booking policy.
type Config struct {
	// AutoConfirm creates bookings as confirmed instead of pending.
	AutoConfirm bool
	// Buffer is the preferred gap between appointments, used by day reports.
	Buffer time.Duration
}

// Store books appointments through the resolver and persists them, publishing
// an event for every change.
type Store struct {
	db        *database.DB
	resolver  *resolver.Resolver
	locker    lock.Locker
	catalogue *model.Catalogue
	bus       *events.EventBus
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a Store; a nil locker falls back to an in-process lock.
func New(
	db *database.DB,
	res *resolver.Resolver,
	locker lock.Locker,
	catalogue *model.Catalogue,
	bus *events.EventBus,
	cfg Config,
	logger zerolog.Logger,
) *Store {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if catalogue == nil {
		catalogue = model.NewCatalogue(nil)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 15 * time.Minute
	}
	return &Store{
		db:        db,
		resolver:  res,
		locker:    locker,
		catalogue: catalogue,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "store").Logger(),
		now:       time.Now,
	}
}

// Catalogue returns the service catalogue used to fill in bookings.
func (s *Store) Catalogue() *model.Catalogue { return s.catalogue }

// dayKeys returns the lock keys of every calendar day [start, end) touches.
func (s *Store) dayKeys(resourceID string, start, end time.Time) []string {
	cal := s.resolver.Calendar()
	keys := []string{lock.DayKey(resourceID, cal.In(start))}
	if last := cal.In(end.Add(-time.Nanosecond)); cal.DateKey(last) != cal.DateKey(start) {
		keys = append(keys, lock.DayKey(resourceID, last))
	}
	return keys
}

func (s *Store) fillService(c *model.Candidate) {
	key := c.ServiceID
	if key == "" {
		key = c.ServiceName
	}
	if key == "" {
		return
	}
	svc := s.catalogue.Resolve(key)
	if c.Duration == 0 {
		c.Duration = svc.Duration
	}
	if c.ServiceID == "" {
		c.ServiceID = svc.ID
	}
	if c.ServiceName == "" {
		c.ServiceName = svc.Name
	}
	if c.Price == 0 {
		c.Price = svc.Price
	}
}

// Create books a candidate. The hours check, the conflict check and the insert
// run under the resource-day lock and one transaction, so two requests for the
// same slot cannot both succeed.
func (s *Store) Create(ctx context.Context, c model.Candidate) (*model.Appointment, error) {
	s.fillService(&c)
	if c.ResourceID == "" {
		c.ResourceID = model.DefaultResource
	}
	if c.Source == "" {
		c.Source = model.SourceWeb
	}
	if c.Actor == "" {
		c.Actor = c.Customer.Ref
	}
	now := s.now()
	if err := c.Validate(now); err != nil {
		metrics.IncBookingRequest("invalid")
		return nil, err
	}

	unlock, err := lock.LockAll(ctx, s.locker, s.dayKeys(c.ResourceID, c.Start, c.End())...)
	if err != nil {
		return nil, fmt.Errorf("lock schedule: %w", err)
	}
	defer unlock()

	status := model.StatusPending
	if c.Confirm || s.cfg.AutoConfirm {
		status = model.StatusConfirmed
	}

	var created *model.Appointment
	err = s.db.InTx(ctx, func(q *database.Queries) error {
		slot, err := s.resolver.Check(ctx, q, resolver.Request{
			ResourceID:   c.ResourceID,
			Start:        c.Start,
			Duration:     c.Duration,
			Alternatives: c.Alternatives,
		})
		if err != nil {
			return err
		}

		a := newAppointment(&c, slot, status, now)
		if err := q.InsertAppointment(ctx, a); err != nil {
			return err
		}
		if err := q.InsertAudit(ctx, &model.AuditEntry{
			AppointmentID: a.ID,
			At:            now,
			Actor:         c.Actor,
			Action:        model.ActionCreated,
			ToStatus:      status,
		}); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		metrics.IncBookingRequest(outcome(err))
		return nil, err
	}

	metrics.IncBookingRequest("booked")
	s.logger.Info().
		Str("appointment_id", created.ID).
		Str("resource_id", created.ResourceID).
		Time("start", created.Start).
		Str("status", string(created.Status)).
		Msg("appointment created")
	s.publish(events.AppointmentCreated, created, c.Actor)
	return created, nil
}

// Import stores an appointment that originates in the external calendar.
// Business hours are not enforced, overlaps still are.
func (s *Store) Import(ctx context.Context, c model.Candidate) (*model.Appointment, error) {
	if c.ResourceID == "" {
		c.ResourceID = model.DefaultResource
	}
	if c.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidRequest)
	}
	if c.Actor == "" {
		c.Actor = model.ActorCalendarSync
	}
	c.Source = model.SourceExternal
	now := s.now()

	unlock, err := lock.LockAll(ctx, s.locker, s.dayKeys(c.ResourceID, c.Start, c.End())...)
	if err != nil {
		return nil, fmt.Errorf("lock schedule: %w", err)
	}
	defer unlock()

	var imported *model.Appointment
	err = s.db.InTx(ctx, func(q *database.Queries) error {
		if err := checkOverlap(ctx, q, c.ResourceID, c.Start, c.End(), ""); err != nil {
			return err
		}
		a := newAppointment(&c, model.Slot{Start: c.Start, End: c.End()}, model.StatusConfirmed, now)
		if err := q.InsertAppointment(ctx, a); err != nil {
			return err
		}
		if err := q.InsertAudit(ctx, &model.AuditEntry{
			AppointmentID: a.ID,
			At:            now,
			Actor:         c.Actor,
			Action:        model.ActionImported,
			ToStatus:      model.StatusConfirmed,
			Note:          "external event " + c.ExternalEventID,
		}); err != nil {
			return err
		}
		imported = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.AppointmentImported, imported, c.Actor)
	return imported, nil
}

func newAppointment(c *model.Candidate, slot model.Slot, status model.Status, now time.Time) *model.Appointment {
	return &model.Appointment{
		ID:              uuid.NewString(),
		ResourceID:      c.ResourceID,
		Customer:        c.Customer,
		ServiceID:       c.ServiceID,
		ServiceName:     c.ServiceName,
		Price:           c.Price,
		Start:           slot.Start,
		Duration:        slot.End.Sub(slot.Start),
		Status:          status,
		Source:          c.Source,
		ExternalEventID: c.ExternalEventID,
		Notes:           c.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func checkOverlap(ctx context.Context, q *database.Queries, resourceID string, start, end time.Time, excludeID string) error {
	clash, err := q.FindOverlapping(ctx, resourceID, start, end, excludeID)
	if err != nil {
		return err
	}
	if len(clash) > 0 {
		return &model.ConflictError{Requested: model.Slot{Start: start, End: end}}
	}
	return nil
}

// UpdateStatus moves an appointment along the lifecycle graph.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.Status, actor string) (*model.Appointment, error) {
	now := s.now()
	var updated *model.Appointment
	var from model.Status
	err := s.db.InTx(ctx, func(q *database.Queries) error {
		a, err := q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := model.CheckTransition(a.Status, status); err != nil {
			return err
		}
		from = a.Status
		a.Status = status
		a.UpdatedAt = now
		if err := q.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		entry := model.AuditEntry{
			AppointmentID: id,
			At:            now,
			Actor:         actor,
			Action:        model.ActionStatus,
			FromStatus:    from,
			ToStatus:      status,
		}
		if err := q.InsertAudit(ctx, &entry); err != nil {
			return err
		}
		a.Audit = append(a.Audit, entry)
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncTransition(string(status))
	s.logger.Info().
		Str("appointment_id", id).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("actor", actor).
		Msg("appointment status changed")
	s.publish(events.AppointmentStatus, updated, actor)
	return updated, nil
}

// Reschedule moves an active appointment. The old interval is released and the
// new one checked in the same transaction, so a failed move leaves the
// appointment untouched. Moves made by calendar sync are not held to business
// hours.
func (s *Store) Reschedule(ctx context.Context, id string, start time.Time, duration time.Duration, actor string) (*model.Appointment, error) {
	if duration <= 0 {
		metrics.IncReschedule("invalid")
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidRequest)
	}
	now := s.now()

	current, err := s.db.Queries().GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := append(
		s.dayKeys(current.ResourceID, current.Start, current.End()),
		s.dayKeys(current.ResourceID, start, start.Add(duration))...,
	)
	unlock, err := lock.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock schedule: %w", err)
	}
	defer unlock()

	var updated *model.Appointment
	err = s.db.InTx(ctx, func(q *database.Queries) error {
		a, err := q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !a.Active() {
			return fmt.Errorf("%w: cannot reschedule a %s appointment", model.ErrInvalidTransition, a.Status)
		}
		if a.ResourceID != current.ResourceID {
			return fmt.Errorf("%w: appointment moved to another resource", database.ErrConcurrentModification)
		}

		synced := actor == model.ActorCalendarSync || a.Source == model.SourceExternal
		if synced {
			if err := checkOverlap(ctx, q, a.ResourceID, start, start.Add(duration), a.ID); err != nil {
				return err
			}
		} else {
			if start.Before(now) {
				return fmt.Errorf("%w: start is in the past", model.ErrInvalidRequest)
			}
			if _, err := s.resolver.Check(ctx, q, resolver.Request{
				ResourceID: a.ResourceID,
				Start:      start,
				Duration:   duration,
				ExcludeID:  a.ID,
			}); err != nil {
				return err
			}
		}

		oldStart, oldDuration := a.Start, a.Duration
		a.Start, a.Duration = start, duration
		a.UpdatedAt = now
		if err := q.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		entry := model.AuditEntry{
			AppointmentID: a.ID,
			At:            now,
			Actor:         actor,
			Action:        model.ActionRescheduled,
			FromStatus:    a.Status,
			ToStatus:      a.Status,
			OldStart:      &oldStart,
			OldDuration:   oldDuration,
		}
		if err := q.InsertAudit(ctx, &entry); err != nil {
			return err
		}
		a.Audit = append(a.Audit, entry)
		updated = a
		return nil
	})
	if err != nil {
		metrics.IncReschedule(outcome(err))
		return nil, err
	}

	metrics.IncReschedule("moved")
	s.logger.Info().
		Str("appointment_id", id).
		Time("start", start).
		Dur("duration", duration).
		Str("actor", actor).
		Msg("appointment rescheduled")
	s.publish(events.AppointmentRescheduled, updated, actor)
	return updated, nil
}

// LinkExternal records the external calendar event id of an appointment.
func (s *Store) LinkExternal(ctx context.Context, id, externalID string) (*model.Appointment, error) {
	now := s.now()
	var updated *model.Appointment
	err := s.db.InTx(ctx, func(q *database.Queries) error {
		a, err := q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if a.ExternalEventID == externalID {
			updated = a
			return nil
		}
		a.ExternalEventID = externalID
		a.UpdatedAt = now
		if err := q.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		if err := q.InsertAudit(ctx, &model.AuditEntry{
			AppointmentID: id,
			At:            now,
			Actor:         model.ActorCalendarSync,
			Action:        model.ActionLinked,
			FromStatus:    a.Status,
			ToStatus:      a.Status,
			Note:          externalID,
		}); err != nil {
			return err
		}
		updated = a
		return nil
	})
	return updated, err
}

// RecordAudit appends an audit entry without touching the appointment.
func (s *Store) RecordAudit(ctx context.Context, e model.AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	return s.db.Queries().InsertAudit(ctx, &e)
}

// Get returns an appointment with its audit trail.
func (s *Store) Get(ctx context.Context, id string) (*model.Appointment, error) {
	return s.db.Queries().GetAppointment(ctx, id)
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*model.Appointment, error) {
	return s.db.Queries().FindByExternalID(ctx, externalID)
}

func (s *Store) ListForSync(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	return s.db.ListForSync(ctx, from, to)
}

// ListConfirmed returns confirmed appointments starting in [from, to).
func (s *Store) ListConfirmed(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	return s.db.ListAppointments(ctx, from, to, model.StatusConfirmed)
}

// List returns appointments starting in [from, to), optionally by status.
func (s *Store) List(ctx context.Context, from, to time.Time, statuses ...model.Status) ([]model.Appointment, error) {
	return s.db.ListAppointments(ctx, from, to, statuses...)
}

// ListByRange lazily yields appointments starting in [from, to).
func (s *Store) ListByRange(ctx context.Context, from, to time.Time) iter.Seq2[model.Appointment, error] {
	return s.db.AppointmentsInRange(ctx, from, to)
}

// ListByCustomer lazily yields a customer's appointments.
func (s *Store) ListByCustomer(ctx context.Context, ref string) iter.Seq2[model.Appointment, error] {
	return s.db.AppointmentsByCustomer(ctx, ref)
}

// OpenSlots lists bookable slots of the service on date.
func (s *Store) OpenSlots(ctx context.Context, resourceID, service string, date time.Time, duration time.Duration) ([]model.Slot, error) {
	if resourceID == "" {
		resourceID = model.DefaultResource
	}
	if duration == 0 && service != "" {
		duration = s.catalogue.Resolve(service).Duration
	}
	return s.resolver.OpenSlots(ctx, s.db.Queries(), resourceID, date, duration)
}

// DayReport analyses one day of a resource's schedule.
func (s *Store) DayReport(ctx context.Context, resourceID string, date time.Time) (availability.DayReport, error) {
	if resourceID == "" {
		resourceID = model.DefaultResource
	}
	cal := s.resolver.Calendar()
	from := cal.StartOfDay(date)
	appts, err := s.db.ListAppointments(ctx, from, from.AddDate(0, 0, 1), model.ActiveStatuses()...)
	if err != nil {
		return availability.DayReport{}, err
	}
	mine := appts[:0]
	for _, a := range appts {
		if a.ResourceID == resourceID {
			mine = append(mine, a)
		}
	}
	return availability.AnalyzeDay(cal, date, mine, s.cfg.Buffer), nil
}

func (s *Store) publish(eventType string, a *model.Appointment, actor string) {
	s.bus.Publish(events.Event{Type: eventType, Appointment: *a, Actor: actor, CreatedAt: s.now()})
}

func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrOutOfHours):
		return "out_of_hours"
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
