package reminders

import (
	"context"
	"errors"
	"time"

	"bookingd/internal/model"
)

// JobStatus is the state of one (appointment, lead) reminder.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSending    JobStatus = "sending"
	JobSent       JobStatus = "sent"
	JobSkipped    JobStatus = "skipped"
	JobFailed     JobStatus = "failed"
)

// ErrClaimLost is returned when a job changed under a worker that claimed it.
var ErrClaimLost = errors.New("reminder job claim lost")

// Job is the persisted delivery state of a reminder for one appointment and lead time.
type Job struct {
	AppointmentID string
	Lead          time.Duration
	FireAt        time.Time
	Status        JobStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	ClaimToken    string
	ClaimedAt     *time.Time
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobFilter selects jobs for listings.
type JobFilter struct {
	AppointmentID string
	Status        []JobStatus
	From          time.Time
	To            time.Time
	Limit         int
}

// JobRepository provides access to reminder job storage.
type JobRepository interface {
	// EnsureJobs creates jobs that don't exist yet and refreshes the fire time
	// of pending ones. Returns the number created.
	EnsureJobs(ctx context.Context, jobs []Job, now time.Time) (int, error)

	// SkipInactive marks pending jobs of cancelled/no-show/completed appointments as skipped.
	SkipInactive(ctx context.Context, now time.Time) (int, error)

	// RecoverClaims releases or fails jobs claimed before claimedBefore.
	RecoverClaims(ctx context.Context, claimedBefore, now time.Time) (released, failed int, err error)

	// FindDue returns pending jobs whose fire time has arrived.
	FindDue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// TryAcquire atomically claims a job. Returns false if another worker has it.
	TryAcquire(ctx context.Context, job *Job, token string, now time.Time) (bool, error)

	// Release returns a claimed job to pending with a new fire time.
	Release(ctx context.Context, job *Job, fireAt, now time.Time) error

	BeginSend(ctx context.Context, job *Job, now time.Time) error
	MarkSent(ctx context.Context, job *Job, now time.Time) error
	MarkSkipped(ctx context.Context, job *Job, reason string, now time.Time) error
	MarkRetry(ctx context.Context, job *Job, next time.Time, reason string, now time.Time) error
	MarkFailed(ctx context.Context, job *Job, reason string, now time.Time) error

	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}

// AppointmentSource gives the scheduler read access to appointments.
type AppointmentSource interface {
	Get(ctx context.Context, id string) (*model.Appointment, error)
	ListConfirmed(ctx context.Context, from, to time.Time) ([]model.Appointment, error)
}

// Notifier delivers a message to a customer over whichever channels can reach them.
type Notifier interface {
	Send(ctx context.Context, to model.Customer, subject, body string) error
}
