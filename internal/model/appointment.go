// Package model holds the domain types shared by the scheduling engine.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// Source is the channel an appointment was booked through.
type Source string

const (
	SourceChat     Source = "chat"
	SourceVoice    Source = "voice"
	SourceSMS      Source = "sms"
	SourceWhatsApp Source = "whatsapp"
	SourceTelegram Source = "telegram"
	SourceWeb      Source = "web"
	SourceAdmin    Source = "admin"
	SourceExternal Source = "external"
)

// DefaultResource is used when a business has a single schedulable resource.
const DefaultResource = "default"

// Actors recorded in the audit trail by the engine itself.
const (
	ActorSystem       = "system"
	ActorResolver     = "resolver"
	ActorCalendarSync = "calendar-sync"
)

// Customer identifies who an appointment is for and how to reach them.
type Customer struct {
	Ref            string `json:"ref"`
	Name           string `json:"name,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

// Appointment is a durable booking of the resource.
type Appointment struct {
	ID              string        `json:"id"`
	ResourceID      string        `json:"resource_id"`
	Customer        Customer      `json:"customer"`
	ServiceID       string        `json:"service_id"`
	ServiceName     string        `json:"service_name"`
	Price           float64       `json:"price"`
	Start           time.Time     `json:"start"`
	Duration        time.Duration `json:"duration"`
	Status          Status        `json:"status"`
	Source          Source        `json:"source"`
	ExternalEventID string        `json:"external_event_id,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Version         int64         `json:"version"`
	Audit           []AuditEntry  `json:"audit,omitempty"`
}

// End returns the exclusive end of the appointment interval.
func (a *Appointment) End() time.Time {
	return a.Start.Add(a.Duration)
}

// Active reports whether the appointment occupies its interval.
func (a *Appointment) Active() bool {
	return a.Status.Active()
}

// OverlapsWith checks half-open overlap with another interval.
func (a *Appointment) OverlapsWith(start, end time.Time) bool {
	return a.Start.Before(end) && start.Before(a.End())
}

// LastAuditAt returns the timestamp of the newest audit entry, or UpdatedAt
// when the trail was not loaded.
func (a *Appointment) LastAuditAt() time.Time {
	last := a.UpdatedAt
	for i := range a.Audit {
		if a.Audit[i].At.After(last) {
			last = a.Audit[i].At
		}
	}
	return last
}

// AuditEntry records one mutation of an appointment.
type AuditEntry struct {
	ID            int64         `json:"id"`
	AppointmentID string        `json:"appointment_id"`
	At            time.Time     `json:"at"`
	Actor         string        `json:"actor"`
	Action        string        `json:"action"`
	FromStatus    Status        `json:"from_status,omitempty"`
	ToStatus      Status        `json:"to_status,omitempty"`
	OldStart      *time.Time    `json:"old_start,omitempty"`
	OldDuration   time.Duration `json:"old_duration,omitempty"`
	Note          string        `json:"note,omitempty"`
}

// Audit actions.
const (
	ActionCreated      = "created"
	ActionStatus       = "status_changed"
	ActionRescheduled  = "rescheduled"
	ActionImported     = "imported"
	ActionLinked       = "linked_external"
	ActionSyncOverride = "sync_override"
)

// Slot is a half-open interval [Start, End).
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Slot) String() string {
	return fmt.Sprintf("%s-%s", s.Start.Format("2006-01-02 15:04"), s.End.Format("15:04"))
}

// Candidate is a booking request before it is committed.
type Candidate struct {
	ResourceID      string
	Customer        Customer
	ServiceID       string
	ServiceName     string
	Price           float64
	Start           time.Time
	Duration        time.Duration
	Source          Source
	Notes           string
	ExternalEventID string
	// Alternatives is the number of alternative slots wanted on conflict; 0 uses the default.
	Alternatives int
	// Confirm creates the appointment directly in the confirmed state.
	Confirm bool
	Actor   string
}

// Validate rejects malformed candidates before any lookup.
func (c *Candidate) Validate(now time.Time) error {
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}
	if c.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidRequest)
	}
	if c.Start.Before(now) {
		return fmt.Errorf("%w: start is in the past", ErrInvalidRequest)
	}
	if strings.TrimSpace(c.Customer.Ref) == "" {
		return fmt.Errorf("%w: customer reference is required", ErrInvalidRequest)
	}
	return nil
}

// End returns the exclusive end of the requested interval.
func (c *Candidate) End() time.Time {
	return c.Start.Add(c.Duration)
}
