// Package resolver decides whether a requested slot can be booked and, when it
// cannot, which nearby slots can.
package resolver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"bookingd/internal/availability"
	"bookingd/internal/model"
	"github.com/rs/zerolog"
)

// Finder reads existing bookings. The store passes its transaction-bound
// queries so the check sees the same snapshot the insert will.
type Finder interface {
	FindOverlapping(ctx context.Context, resourceID string, start, end time.Time, excludeID string) ([]model.Appointment, error)
}

// ExternalSource supplies busy time from an external calendar that has no
// local appointment yet.
type ExternalSource interface {
	ExternalBusy(ctx context.Context, resourceID string, from, to time.Time) ([]model.Slot, error)
}

// Request is a slot to check.
type Request struct {
	ResourceID string
	Start      time.Time
	Duration   time.Duration
	// ExcludeID ignores one appointment, the one being rescheduled.
	ExcludeID string
	// Alternatives wanted on conflict; 0 uses the configured default.
	Alternatives int
}

func (r Request) end() time.Time { return r.Start.Add(r.Duration) }

// Config bounds the conflict checks and the alternative search.
type Config struct {
	Alternatives int
	Horizon      time.Duration
	// Step between alternative candidates; 0 steps by the request duration.
	Step time.Duration
	// MaxDaily caps active appointments per resource-day; 0 disables the cap.
	MaxDaily int
}

func DefaultConfig() Config {
	return Config{
		Alternatives: 3,
		Horizon:      14 * 24 * time.Hour,
	}
}

// Resolver checks a proposed appointment against the business calendar and
// existing busy time, and suggests free alternatives on conflict.
type Resolver struct {
	cfg      Config
	cal      atomic.Pointer[availability.Calendar]
	external ExternalSource
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Resolver, filling zero config fields with defaults.
func New(cfg Config, cal *availability.Calendar, external ExternalSource, logger zerolog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.Alternatives <= 0 {
		cfg.Alternatives = def.Alternatives
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	r := &Resolver{
		cfg:      cfg,
		external: external,
		logger:   logger.With().Str("component", "resolver").Logger(),
		now:      time.Now,
	}
	r.cal.Store(cal)
	return r
}

// Calendar returns the business calendar in effect.
func (r *Resolver) Calendar() *availability.Calendar { return r.cal.Load() }

// SetCalendar swaps the business calendar, e.g. after a config reload.
func (r *Resolver) SetCalendar(cal *availability.Calendar) { r.cal.Store(cal) }

// SetExternal attaches the external busy view. The reconciler depends on the
// store, which depends on the resolver, so it is wired after construction and
// before the first request.
func (r *Resolver) SetExternal(src ExternalSource) { r.external = src }

// SetClock replaces the clock used to skip alternatives in the past.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// CheckHours rejects requests that are malformed or fall outside business hours.
func (r *Resolver) CheckHours(req Request) error {
	if req.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", model.ErrInvalidRequest)
	}
	cal := r.cal.Load()
	if closed, reason := cal.Closed(req.Start); closed {
		return fmt.Errorf("%w: %s is %s", model.ErrOutOfHours, cal.DateKey(req.Start), reason)
	}
	if !availability.Fits(cal, req.Start, req.end()) {
		return fmt.Errorf("%w: %s-%s", model.ErrOutOfHours,
			cal.In(req.Start).Format("15:04"), cal.In(req.end()).Format("15:04"))
	}
	return nil
}

// Check accepts the requested slot or returns a *model.ConflictError with
// ranked alternatives.
func (r *Resolver) Check(ctx context.Context, finder Finder, req Request) (model.Slot, error) {
	if err := r.CheckHours(req); err != nil {
		return model.Slot{}, err
	}
	requested := model.Slot{Start: req.Start, End: req.end()}

	cal := r.cal.Load()
	dayStart := cal.StartOfDay(req.Start)
	dayEnd := dayStart.AddDate(0, 0, 1)

	local, err := finder.FindOverlapping(ctx, req.ResourceID, dayStart, dayEnd, req.ExcludeID)
	if err != nil {
		return model.Slot{}, fmt.Errorf("load bookings: %w", err)
	}
	busy := r.busyView(ctx, req.ResourceID, local, dayStart, dayEnd)

	free := !conflicts(requested, busy.slots) && !r.dayFull(busy, cal.DateKey(req.Start))
	if free {
		return requested, nil
	}

	alts, err := r.Alternatives(ctx, finder, req)
	if err != nil {
		return model.Slot{}, err
	}
	return model.Slot{}, &model.ConflictError{Requested: requested, Alternatives: alts}
}

// Alternatives scans outward from the requested start in fixed steps, both
// directions, within the search horizon. Candidates are ordered by distance
// from the request, the earlier one first on ties.
func (r *Resolver) Alternatives(ctx context.Context, finder Finder, req Request) ([]model.Slot, error) {
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidRequest)
	}
	want := req.Alternatives
	if want <= 0 {
		want = r.cfg.Alternatives
	}
	step := r.cfg.Step
	if step <= 0 {
		step = req.Duration
	}

	cal := r.cal.Load()
	from := cal.StartOfDay(req.Start.Add(-r.cfg.Horizon))
	to := cal.StartOfDay(req.Start.Add(r.cfg.Horizon)).AddDate(0, 0, 1)

	local, err := finder.FindOverlapping(ctx, req.ResourceID, from, to, req.ExcludeID)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	busy := r.busyView(ctx, req.ResourceID, local, from, to)
	notBefore := r.now()

	accept := func(start time.Time) bool {
		end := start.Add(req.Duration)
		if start.Before(notBefore) || !availability.Fits(cal, start, end) {
			return false
		}
		if conflicts(model.Slot{Start: start, End: end}, busy.slots) {
			return false
		}
		return !r.dayFull(busy, cal.DateKey(start))
	}

	out := make([]model.Slot, 0, want)
	steps := int(r.cfg.Horizon / step)
	for k := 1; k <= steps && len(out) < want; k++ {
		offset := time.Duration(k) * step
		for _, start := range []time.Time{req.Start.Add(-offset), req.Start.Add(offset)} {
			if len(out) < want && accept(start) {
				out = append(out, model.Slot{Start: start, End: start.Add(req.Duration)})
			}
		}
	}
	return out, nil
}

// OpenSlots lists bookable slots of the given duration on date.
func (r *Resolver) OpenSlots(ctx context.Context, finder Finder, resourceID string, date time.Time, duration time.Duration) ([]model.Slot, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidRequest)
	}
	cal := r.cal.Load()
	dayStart := cal.StartOfDay(date)
	dayEnd := dayStart.AddDate(0, 0, 1)

	local, err := finder.FindOverlapping(ctx, resourceID, dayStart, dayEnd, "")
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	busy := r.busyView(ctx, resourceID, local, dayStart, dayEnd)
	if r.dayFull(busy, cal.DateKey(date)) {
		return nil, nil
	}
	return availability.OpenSlots(cal, date, duration, r.cfg.Step, busy.slots, r.now()), nil
}

type busyView struct {
	slots []model.Slot
	// perDay counts active local appointments by calendar date key.
	perDay map[string]int
}

func (r *Resolver) busyView(ctx context.Context, resourceID string, local []model.Appointment, from, to time.Time) busyView {
	cal := r.cal.Load()
	v := busyView{perDay: make(map[string]int)}
	for i := range local {
		a := &local[i]
		if !a.Active() {
			continue
		}
		v.slots = append(v.slots, model.Slot{Start: a.Start, End: a.End()})
		v.perDay[cal.DateKey(a.Start)]++
	}

	if r.external == nil {
		return v
	}
	ext, err := r.external.ExternalBusy(ctx, resourceID, from, to)
	if err != nil {
		// Bookings never depend on the external calendar.
		r.logger.Warn().Err(err).Msg("external busy view unavailable, checking local bookings only")
		return v
	}
	v.slots = append(v.slots, ext...)
	return v
}

func (r *Resolver) dayFull(v busyView, dateKey string) bool {
	return r.cfg.MaxDaily > 0 && v.perDay[dateKey] >= r.cfg.MaxDaily
}

func conflicts(s model.Slot, busy []model.Slot) bool {
	for _, b := range busy {
		if availability.Overlaps(s.Start, s.End, b.Start, b.End) {
			return true
		}
	}
	return false
}
