// Package calendar keeps appointments and a third-party calendar in step.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookingd/internal/model"
)

// Direction selects which way changes flow between the store and the calendar.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

// ParseDirection validates a configured direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionNone, DirectionPush, DirectionPull, DirectionBoth:
		return d, nil
	case "":
		return DirectionNone, nil
	default:
		return "", fmt.Errorf("%w: unknown sync direction %q", model.ErrInvalidRequest, s)
	}
}

func (d Direction) Push() bool { return d == DirectionPush || d == DirectionBoth }
func (d Direction) Pull() bool { return d == DirectionPull || d == DirectionBoth }

// EventStatus mirrors the provider's event status.
type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// Event is a provider-neutral calendar event.
type Event struct {
	ID            string
	AppointmentID string
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	Status        EventStatus
	ETag          string
	Updated       time.Time
}

// Cancelled reports whether the event was cancelled or deleted upstream.
func (e Event) Cancelled() bool { return e.Status == EventCancelled }

// Slot returns the event's interval.
func (e Event) Slot() model.Slot { return model.Slot{Start: e.Start, End: e.End} }

// Provider is the capability every external calendar variant implements.
// UpsertEvent must be idempotent for a given Event.ID.
type Provider interface {
	Name() string
	ListEvents(ctx context.Context, from, to time.Time) ([]Event, error)
	UpsertEvent(ctx context.Context, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// ErrEventNotFound is returned by providers when an event id is unknown.
var ErrEventNotFound = errors.New("calendar event not found")

// EventIDFor derives the external id used for an appointment's first push, so a
// retried upsert after a crash lands on the same event.
func EventIDFor(appointmentID string) string {
	return strings.ToLower(strings.ReplaceAll(appointmentID, "-", ""))
}

// Mirror is the last-synced snapshot of an appointment's external event.
type Mirror struct {
	AppointmentID   string
	ExternalID      string
	Start           time.Time
	End             time.Time
	ETag            string
	ExternalUpdated time.Time
	LocalVersion    int64
	SyncedAt        time.Time
}

// MirrorRepository persists mirrors.
type MirrorRepository interface {
	GetMirror(ctx context.Context, appointmentID string) (*Mirror, error)
	ListMirrors(ctx context.Context) ([]Mirror, error)
	SaveMirror(ctx context.Context, m Mirror) error
	DeleteMirror(ctx context.Context, appointmentID string) error
}

// AppointmentStore is the subset of the appointment store the reconciler
// mutates through. All writes keep the store's invariants.
type AppointmentStore interface {
	Get(ctx context.Context, id string) (*model.Appointment, error)
	ListForSync(ctx context.Context, from, to time.Time) ([]model.Appointment, error)
	FindByExternalID(ctx context.Context, externalID string) (*model.Appointment, error)
	LinkExternal(ctx context.Context, id, externalID string) (*model.Appointment, error)
	Reschedule(ctx context.Context, id string, start time.Time, duration time.Duration, actor string) (*model.Appointment, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, actor string) (*model.Appointment, error)
	Import(ctx context.Context, c model.Candidate) (*model.Appointment, error)
	RecordAudit(ctx context.Context, e model.AuditEntry) error
}

// Result counts what one reconciliation run changed.
type Result struct {
	Pushed    int
	Pulled    int
	Imported  int
	Linked    int
	Cancelled int
	Deleted   int
	Overrides int
	Conflicts int
	Errors    int
	Busy      int
}

// Mutations is the number of writes applied to either side.
func (r Result) Mutations() int {
	return r.Pushed + r.Pulled + r.Imported + r.Linked + r.Cancelled + r.Deleted
}

func eventFromAppointment(a *model.Appointment) Event {
	id := a.ExternalEventID
	if id == "" {
		id = EventIDFor(a.ID)
	}
	summary := a.ServiceName
	if summary == "" {
		summary = a.ServiceID
	}
	if a.Customer.Name != "" {
		summary += " - " + a.Customer.Name
	}

	var desc strings.Builder
	fmt.Fprintf(&desc, "Customer: %s\n", a.Customer.Ref)
	if a.Customer.Phone != "" {
		fmt.Fprintf(&desc, "Phone: %s\n", a.Customer.Phone)
	}
	fmt.Fprintf(&desc, "Status: %s\n", a.Status)
	if a.Notes != "" {
		fmt.Fprintf(&desc, "Notes: %s\n", a.Notes)
	}

	status := EventConfirmed
	if a.Status == model.StatusPending {
		status = EventTentative
	}
	return Event{
		ID:            id,
		AppointmentID: a.ID,
		Summary:       summary,
		Description:   strings.TrimSpace(desc.String()),
		Start:         a.Start,
		End:           a.End(),
		Status:        status,
	}
}
