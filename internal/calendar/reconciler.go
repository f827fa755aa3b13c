package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bookingd/internal/metrics"
	"bookingd/internal/model"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Config controls reconciliation.
type Config struct {
	Direction Direction
	// ResourceID is the resource whose appointments live in this calendar.
	ResourceID string
	Interval   time.Duration
	// Window is how far ahead events are listed and appointments synced.
	Window time.Duration
	// ConflictDetection enables the external busy view for the resolver.
	ConflictDetection bool

	MaxAttempts    int
	InitialBackoff time.Duration
	CallTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Direction:         DirectionBoth,
		ResourceID:        model.DefaultResource,
		Interval:          5 * time.Minute,
		Window:            30 * 24 * time.Hour,
		ConflictDetection: true,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		CallTimeout:       20 * time.Second,
	}
}

// Reconciler runs bidirectional sync between the appointment store and one
// external calendar.
type Reconciler struct {
	cfg      Config
	provider Provider
	store    AppointmentStore
	mirrors  MirrorRepository
	busy     BusyCache
	logger   zerolog.Logger
	now      func() time.Time

	runMu     sync.Mutex
	triggerCh chan struct{}
	healthy   atomic.Bool
}

func NewReconciler(
	cfg Config,
	provider Provider,
	store AppointmentStore,
	mirrors MirrorRepository,
	busy BusyCache,
	logger zerolog.Logger,
) *Reconciler {
	def := DefaultConfig()
	if cfg.Direction == "" {
		cfg.Direction = def.Direction
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = def.ResourceID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if busy == nil {
		busy = NewMemoryBusyCache()
	}
	return &Reconciler{
		cfg:       cfg,
		provider:  provider,
		store:     store,
		mirrors:   mirrors,
		busy:      busy,
		logger:    logger.With().Str("component", "calendar").Str("provider", provider.Name()).Logger(),
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
	}
}

// Healthy reports whether the last run reached the provider.
func (r *Reconciler) Healthy() bool { return r.healthy.Load() }

// Trigger requests a run soon. Calls coalesce while a run is pending.
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Run reconciles on every interval tick and on Trigger until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Direction == DirectionNone {
		r.logger.Info().Msg("calendar sync disabled")
		<-ctx.Done()
		return
	}

	r.logger.Info().
		Str("direction", string(r.cfg.Direction)).
		Dur("interval", r.cfg.Interval).
		Msg("calendar reconciler started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("calendar reconciler stopped")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		case <-r.triggerCh:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("calendar reconciliation degraded")
		}
		return
	}
	if res.Mutations() > 0 || res.Errors > 0 {
		r.logger.Info().
			Int("pushed", res.Pushed).
			Int("pulled", res.Pulled).
			Int("imported", res.Imported).
			Int("linked", res.Linked).
			Int("cancelled", res.Cancelled).
			Int("deleted", res.Deleted).
			Int("overrides", res.Overrides).
			Int("conflicts", res.Conflicts).
			Int("errors", res.Errors).
			Msg("calendar reconciled")
	}
}

// ExternalBusy returns busy intervals from external events that overlap
// [from, to) and have no local appointment. It returns nothing while conflict
// detection is off or the provider is unreachable, so bookings never depend on
// the external calendar.
func (r *Reconciler) ExternalBusy(ctx context.Context, resourceID string, from, to time.Time) ([]model.Slot, error) {
	if !r.cfg.ConflictDetection || !r.Healthy() || resourceID != r.cfg.ResourceID {
		return nil, nil
	}
	all, err := r.busy.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Slot
	for _, s := range all {
		if s.Start.Before(to) && from.Before(s.End) {
			out = append(out, s)
		}
	}
	return out, nil
}

// RunOnce performs one reconciliation pass. Running it twice with no changes
// on either side in between applies no mutations the second time.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var res Result
	if r.cfg.Direction == DirectionNone {
		return res, nil
	}

	now := r.now()
	from, to := now, now.Add(r.cfg.Window)

	events, err := retryCall(ctx, r, func(ctx context.Context) ([]Event, error) {
		return r.provider.ListEvents(ctx, from, to)
	})
	if err != nil {
		r.healthy.Store(false)
		metrics.IncReconcileRun("unavailable")
		return res, fmt.Errorf("list external events: %w", err)
	}
	r.healthy.Store(true)

	byID := make(map[string]Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	locals, err := r.store.ListForSync(ctx, from, to)
	if err != nil {
		metrics.IncReconcileRun("error")
		return res, fmt.Errorf("list local appointments: %w", err)
	}
	mirrorList, err := r.mirrors.ListMirrors(ctx)
	if err != nil {
		metrics.IncReconcileRun("error")
		return res, fmt.Errorf("list mirrors: %w", err)
	}
	mirrors := make(map[string]Mirror, len(mirrorList))
	for _, m := range mirrorList {
		mirrors[m.AppointmentID] = m
	}

	linked := make(map[string]bool)
	for i := range locals {
		a := &locals[i]
		if a.ResourceID != r.cfg.ResourceID {
			continue
		}
		if a.ExternalEventID != "" {
			linked[a.ExternalEventID] = true
		}
		var m *Mirror
		if mm, ok := mirrors[a.ID]; ok {
			m = &mm
		}
		extID, err := r.reconcileLocal(ctx, a, m, byID, &res)
		if err != nil {
			res.Errors++
			r.logger.Warn().Err(err).Str("appointment_id", a.ID).Msg("failed to reconcile appointment")
		}
		if extID != "" {
			linked[extID] = true
		}
	}

	if r.cfg.Direction.Pull() {
		for _, ev := range events {
			if ev.Cancelled() || linked[ev.ID] || !ev.End.After(ev.Start) {
				continue
			}
			if ok, err := r.adoptEvent(ctx, ev, now, &res); err != nil {
				res.Errors++
				r.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to import external event")
			} else if ok {
				linked[ev.ID] = true
			}
		}
	}

	var busy []model.Slot
	for _, ev := range events {
		if ev.Cancelled() || linked[ev.ID] || ev.AppointmentID != "" || !ev.End.After(ev.Start) {
			continue
		}
		busy = append(busy, ev.Slot())
	}
	res.Busy = len(busy)
	if err := r.busy.Store(ctx, busy); err != nil {
		r.logger.Warn().Err(err).Msg("failed to store external busy view")
	}

	metrics.IncReconcileRun("ok")
	metrics.AddReconcileMutations("pushed", res.Pushed)
	metrics.AddReconcileMutations("pulled", res.Pulled)
	metrics.AddReconcileMutations("imported", res.Imported)
	metrics.AddReconcileMutations("cancelled", res.Cancelled)
	metrics.AddReconcileMutations("deleted", res.Deleted)
	metrics.AddReconcileMutations("overrides", res.Overrides)
	return res, nil
}

// reconcileLocal brings one local appointment and its external event in line.
// It returns the external id the appointment is linked to afterwards.
func (r *Reconciler) reconcileLocal(ctx context.Context, a *model.Appointment, m *Mirror, byID map[string]Event, res *Result) (string, error) {
	dir := r.cfg.Direction

	if a.ExternalEventID == "" {
		if !a.Active() || !dir.Push() {
			return "", nil
		}
		// An earlier push may have reached the provider before the link was saved.
		if ev, ok := byID[EventIDFor(a.ID)]; ok && ev.AppointmentID == a.ID {
			updated, err := r.store.LinkExternal(ctx, a.ID, ev.ID)
			if err != nil {
				return "", err
			}
			res.Linked++
			*a = *updated
			if !sameSlot(a, ev) {
				return ev.ID, r.push(ctx, a, res)
			}
			return ev.ID, r.saveMirror(ctx, a, ev)
		}
		if err := r.push(ctx, a, res); err != nil {
			return "", err
		}
		return a.ExternalEventID, nil
	}

	ev, inExt := byID[a.ExternalEventID]

	if !a.Active() {
		if m == nil {
			return a.ExternalEventID, nil
		}
		if dir.Push() && a.Status != model.StatusCompleted && inExt && !ev.Cancelled() {
			if _, err := retryCall(ctx, r, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, r.provider.DeleteEvent(ctx, a.ExternalEventID)
			}); err != nil {
				return a.ExternalEventID, fmt.Errorf("delete external event: %w", err)
			}
			res.Deleted++
		}
		return a.ExternalEventID, r.mirrors.DeleteMirror(ctx, a.ID)
	}

	if !inExt {
		// Deleted upstream or never listed: the store is authoritative for
		// status, so the event is recreated.
		if dir.Push() {
			return a.ExternalEventID, r.push(ctx, a, res)
		}
		return a.ExternalEventID, nil
	}

	if m == nil {
		// Linked without a snapshot (imported, or mirror lost): take the
		// current state as the baseline.
		if !sameSlot(a, ev) && !ev.Cancelled() && dir.Push() && a.Source != model.SourceExternal {
			return a.ExternalEventID, r.push(ctx, a, res)
		}
		return a.ExternalEventID, r.saveMirror(ctx, a, ev)
	}

	localChanged := a.Version != m.LocalVersion
	extChanged := ev.ETag != m.ETag

	switch {
	case !localChanged && !extChanged:
		return a.ExternalEventID, nil
	case localChanged && !extChanged:
		if dir.Push() {
			return a.ExternalEventID, r.push(ctx, a, res)
		}
		return a.ExternalEventID, nil
	case extChanged && !localChanged:
		if dir.Pull() {
			return a.ExternalEventID, r.applyExternal(ctx, a, ev, res)
		}
		return a.ExternalEventID, r.push(ctx, a, res)
	}

	// Both sides moved since the last run: last writer wins, ties go local.
	externalWins := ev.Updated.After(a.LastAuditAt())
	if externalWins && !dir.Pull() {
		externalWins = false
	}
	if !externalWins && !dir.Push() {
		externalWins = true
	}

	note := "local change kept over external edit"
	if externalWins {
		note = "external edit kept over local change"
	}
	if err := r.store.RecordAudit(ctx, model.AuditEntry{
		AppointmentID: a.ID,
		At:            r.now(),
		Actor:         model.ActorCalendarSync,
		Action:        model.ActionSyncOverride,
		FromStatus:    a.Status,
		ToStatus:      a.Status,
		Note:          note,
	}); err != nil {
		return a.ExternalEventID, fmt.Errorf("record override: %w", err)
	}
	res.Overrides++
	r.logger.Info().
		Str("appointment_id", a.ID).
		Bool("external_wins", externalWins).
		Msg("calendar divergence resolved")

	if externalWins {
		return a.ExternalEventID, r.applyExternal(ctx, a, ev, res)
	}
	// The override audit bumped nothing on the appointment row, so the version
	// recorded with the mirror below stays current.
	return a.ExternalEventID, r.push(ctx, a, res)
}

// applyExternal copies an external edit onto the local appointment.
func (r *Reconciler) applyExternal(ctx context.Context, a *model.Appointment, ev Event, res *Result) error {
	if ev.Cancelled() {
		updated, err := r.store.UpdateStatus(ctx, a.ID, model.StatusCancelled, model.ActorCalendarSync)
		if err != nil {
			return fmt.Errorf("cancel from external: %w", err)
		}
		res.Cancelled++
		*a = *updated
		return r.mirrors.DeleteMirror(ctx, a.ID)
	}

	if !sameSlot(a, ev) {
		updated, err := r.store.Reschedule(ctx, a.ID, ev.Start, ev.End.Sub(ev.Start), model.ActorCalendarSync)
		if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrInvalidRequest) {
			// The external placement cannot be honoured locally; keep the
			// booking and put it back on the calendar.
			r.logger.Warn().Err(err).Str("appointment_id", a.ID).Msg("external move rejected")
			res.Conflicts++
			if r.cfg.Direction.Push() {
				return r.push(ctx, a, res)
			}
			return r.saveMirror(ctx, a, ev)
		}
		if err != nil {
			return fmt.Errorf("reschedule from external: %w", err)
		}
		res.Pulled++
		*a = *updated
	}
	return r.saveMirror(ctx, a, ev)
}

// push upserts the appointment's event and records a fresh mirror.
func (r *Reconciler) push(ctx context.Context, a *model.Appointment, res *Result) error {
	want := eventFromAppointment(a)
	saved, err := retryCall(ctx, r, func(ctx context.Context) (Event, error) {
		return r.provider.UpsertEvent(ctx, want)
	})
	if err != nil {
		return fmt.Errorf("upsert external event: %w", err)
	}
	res.Pushed++

	if a.ExternalEventID != saved.ID {
		updated, err := r.store.LinkExternal(ctx, a.ID, saved.ID)
		if err != nil {
			return fmt.Errorf("link external event: %w", err)
		}
		*a = *updated
	}
	return r.saveMirror(ctx, a, saved)
}

// adoptEvent handles an external event without a linked appointment. Events
// we created are relinked; foreign events are imported when they fit.
func (r *Reconciler) adoptEvent(ctx context.Context, ev Event, now time.Time, res *Result) (bool, error) {
	if existing, err := r.store.FindByExternalID(ctx, ev.ID); err == nil && existing != nil {
		return true, nil
	} else if err != nil && !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	if ev.AppointmentID != "" {
		a, err := r.store.Get(ctx, ev.AppointmentID)
		switch {
		case err == nil:
			if a.ExternalEventID == "" {
				if _, err := r.store.LinkExternal(ctx, a.ID, ev.ID); err != nil {
					return false, err
				}
				res.Linked++
			}
			return true, nil
		case !errors.Is(err, model.ErrNotFound):
			return false, err
		}
		// Our event whose appointment no longer exists: treat it as foreign.
	}

	if !ev.Start.After(now) {
		return false, nil
	}

	name := ev.Summary
	if name == "" {
		name = "External event"
	}
	a, err := r.store.Import(ctx, model.Candidate{
		ResourceID:      r.cfg.ResourceID,
		Customer:        model.Customer{Ref: "external:" + ev.ID, Name: name},
		ServiceName:     name,
		Start:           ev.Start,
		Duration:        ev.End.Sub(ev.Start),
		Source:          model.SourceExternal,
		Notes:           ev.Description,
		ExternalEventID: ev.ID,
		Confirm:         true,
		Actor:           model.ActorCalendarSync,
	})
	if errors.Is(err, model.ErrConflict) {
		// Stays in the busy view only.
		res.Conflicts++
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("import external event: %w", err)
	}
	res.Imported++
	return true, r.saveMirror(ctx, a, ev)
}

func (r *Reconciler) saveMirror(ctx context.Context, a *model.Appointment, ev Event) error {
	return r.mirrors.SaveMirror(ctx, Mirror{
		AppointmentID:   a.ID,
		ExternalID:      ev.ID,
		Start:           ev.Start,
		End:             ev.End,
		ETag:            ev.ETag,
		ExternalUpdated: ev.Updated,
		LocalVersion:    a.Version,
		SyncedAt:        r.now(),
	})
}

func sameSlot(a *model.Appointment, ev Event) bool {
	return a.Start.Equal(ev.Start) && a.End().Equal(ev.End)
}

// retryCall runs one provider call with a timeout per attempt and bounded
// exponential backoff between transient failures.
func retryCall[T any](ctx context.Context, r *Reconciler, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = 10 * r.cfg.InitialBackoff

	return backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		v, err := fn(callCtx)
		if err != nil && (!model.IsTransient(err) || errors.Is(err, ErrCircuitOpen)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
}
