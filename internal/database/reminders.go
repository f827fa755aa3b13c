package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bookingd/internal/reminders"
)

const jobColumns = `appointment_id, lead_seconds, fire_at, status, attempts, next_attempt_at,
	last_error, claim_token, claimed_at, sent_at, created_at, updated_at`

func scanJob(row rowScanner) (reminders.Job, error) {
	var (
		j                    reminders.Job
		leadSecs             int64
		fireAt, nextAttempt  int64
		createdAt, updatedAt int64
		status               string
		claimedAt, sentAt    sql.NullInt64
	)
	if err := row.Scan(&j.AppointmentID, &leadSecs, &fireAt, &status, &j.Attempts, &nextAttempt,
		&j.LastError, &j.ClaimToken, &claimedAt, &sentAt, &createdAt, &updatedAt); err != nil {
		return reminders.Job{}, err
	}
	j.Lead = time.Duration(leadSecs) * time.Second
	j.FireAt = fromNanos(fireAt)
	j.Status = reminders.JobStatus(status)
	j.NextAttemptAt = fromNanos(nextAttempt)
	j.ClaimedAt = timePtr(claimedAt)
	j.SentAt = timePtr(sentAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return j, nil
}

// ReminderRepository persists reminder job state per (appointment, lead).
type ReminderRepository struct {
	db *DB
}

// NewReminderRepository creates a repository over db.
func NewReminderRepository(db *DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

var _ reminders.JobRepository = (*ReminderRepository)(nil)

// EnsureJobs inserts missing jobs and moves the fire time of jobs that are
// still pending, so a rescheduled appointment is reminded at its new time.
func (r *ReminderRepository) EnsureJobs(ctx context.Context, jobs []reminders.Job, now time.Time) (int, error) {
	created := 0
	err := r.db.InTx(ctx, func(q *Queries) error {
		for _, j := range jobs {
			res, err := q.q.ExecContext(ctx, `
				INSERT INTO reminder_jobs (appointment_id, lead_seconds, fire_at, status, attempts,
					next_attempt_at, created_at, updated_at)
				VALUES (?, ?, ?, 'pending', 0, 0, ?, ?)
				ON CONFLICT(appointment_id, lead_seconds) DO NOTHING`,
				j.AppointmentID, int64(j.Lead/time.Second), toNanos(j.FireAt), toNanos(now), toNanos(now),
			)
			if err != nil {
				return fmt.Errorf("insert reminder job: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
				continue
			}
			if _, err := q.q.ExecContext(ctx, `
				UPDATE reminder_jobs SET fire_at = ?, updated_at = ?
				WHERE appointment_id = ? AND lead_seconds = ? AND status = 'pending' AND fire_at != ?`,
				toNanos(j.FireAt), toNanos(now), j.AppointmentID, int64(j.Lead/time.Second), toNanos(j.FireAt),
			); err != nil {
				return fmt.Errorf("refresh reminder job: %w", err)
			}
		}
		return nil
	})
	return created, err
}

// SkipInactive marks pending jobs of appointments that left the confirmed
// state as skipped.
func (r *ReminderRepository) SkipInactive(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminder_jobs
		SET status = 'skipped',
		    last_error = 'appointment ' || (SELECT status FROM appointments WHERE id = reminder_jobs.appointment_id),
		    updated_at = ?
		WHERE status = 'pending'
		  AND appointment_id IN (SELECT id FROM appointments WHERE status IN ('cancelled', 'no_show', 'completed'))`,
		toNanos(now),
	)
	if err != nil {
		return 0, fmt.Errorf("skip inactive reminder jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverClaims handles jobs left claimed by a crashed worker. Jobs that never
// reached a channel return to pending; jobs interrupted mid-delivery are failed
// because their outcome is unknown and a resend could duplicate.
func (r *ReminderRepository) RecoverClaims(ctx context.Context, claimedBefore, now time.Time) (released, failed int, err error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminder_jobs SET status = 'pending', claim_token = '', claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`,
		toNanos(now), toNanos(claimedBefore),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("release reminder claims: %w", err)
	}
	n, _ := res.RowsAffected()
	released = int(n)

	res, err = r.db.ExecContext(ctx, `
		UPDATE reminder_jobs
		SET status = 'failed', claim_token = '', last_error = 'delivery interrupted, outcome unknown', updated_at = ?
		WHERE status = 'sending' AND claimed_at < ?`,
		toNanos(now), toNanos(claimedBefore),
	)
	if err != nil {
		return released, 0, fmt.Errorf("fail interrupted reminder jobs: %w", err)
	}
	n, _ = res.RowsAffected()
	return released, int(n), nil
}

// FindDue returns pending jobs whose fire time and retry time have arrived.
func (r *ReminderRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]reminders.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.collect(ctx, `
		SELECT `+jobColumns+` FROM reminder_jobs
		WHERE status = 'pending' AND fire_at <= ? AND next_attempt_at <= ?
		ORDER BY fire_at
		LIMIT ?`, toNanos(now), toNanos(now), limit)
}

// TryAcquire claims a due job for one worker.
func (r *ReminderRepository) TryAcquire(ctx context.Context, job *reminders.Job, token string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminder_jobs SET status = 'processing', claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE appointment_id = ? AND lead_seconds = ? AND status = 'pending' AND next_attempt_at <= ?`,
		token, toNanos(now), toNanos(now), job.AppointmentID, leadSeconds(job), toNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire reminder job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		job.Status = reminders.JobProcessing
		job.ClaimToken = token
		job.ClaimedAt = &now
	}
	return n == 1, nil
}

// Release hands a claimed job back to the scheduler, e.g. when its
// appointment moved to a later time after the job was loaded.
func (r *ReminderRepository) Release(ctx context.Context, job *reminders.Job, fireAt, now time.Time) error {
	if err := r.transition(ctx, job, reminders.JobProcessing, `
		status = 'pending', fire_at = ?, claim_token = '', claimed_at = NULL, updated_at = ?`,
		toNanos(fireAt), toNanos(now)); err != nil {
		return err
	}
	job.Status = reminders.JobPending
	job.FireAt = fireAt
	job.ClaimToken = ""
	job.ClaimedAt = nil
	return nil
}

// BeginSend records that delivery is about to start and counts the attempt.
func (r *ReminderRepository) BeginSend(ctx context.Context, job *reminders.Job, now time.Time) error {
	if err := r.transition(ctx, job, reminders.JobProcessing, `
		status = 'sending', attempts = attempts + 1, updated_at = ?`, toNanos(now)); err != nil {
		return err
	}
	job.Status = reminders.JobSending
	job.Attempts++
	return nil
}

// MarkSent finalizes a delivered job.
func (r *ReminderRepository) MarkSent(ctx context.Context, job *reminders.Job, now time.Time) error {
	if err := r.transition(ctx, job, reminders.JobSending, `
		status = 'sent', sent_at = ?, last_error = '', claim_token = '', updated_at = ?`,
		toNanos(now), toNanos(now)); err != nil {
		return err
	}
	job.Status = reminders.JobSent
	job.SentAt = &now
	return nil
}

// MarkSkipped finalizes a claimed job that must not be sent.
func (r *ReminderRepository) MarkSkipped(ctx context.Context, job *reminders.Job, reason string, now time.Time) error {
	if err := r.transition(ctx, job, reminders.JobProcessing, `
		status = 'skipped', last_error = ?, claim_token = '', updated_at = ?`,
		reason, toNanos(now)); err != nil {
		return err
	}
	job.Status = reminders.JobSkipped
	job.LastError = reason
	return nil
}

// MarkRetry returns a job to pending after a transient failure.
func (r *ReminderRepository) MarkRetry(ctx context.Context, job *reminders.Job, next time.Time, reason string, now time.Time) error {
	if err := r.transition(ctx, job, reminders.JobSending, `
		status = 'pending', next_attempt_at = ?, last_error = ?, claim_token = '', claimed_at = NULL, updated_at = ?`,
		toNanos(next), reason, toNanos(now)); err != nil {
		return err
	}
	job.Status = reminders.JobPending
	job.NextAttemptAt = next
	job.LastError = reason
	return nil
}

// MarkFailed finalizes a job after a permanent failure or exhausted retries.
func (r *ReminderRepository) MarkFailed(ctx context.Context, job *reminders.Job, reason string, now time.Time) error {
	if err := r.transition(ctx, job, reminders.JobSending, `
		status = 'failed', last_error = ?, claim_token = '', updated_at = ?`,
		reason, toNanos(now)); err != nil {
		return err
	}
	job.Status = reminders.JobFailed
	job.LastError = reason
	return nil
}

// transition updates a claimed job only while this worker still holds it.
func (r *ReminderRepository) transition(ctx context.Context, job *reminders.Job, from reminders.JobStatus, set string, args ...any) error {
	args = append(args, job.AppointmentID, leadSeconds(job), string(from), job.ClaimToken)
	res, err := r.db.ExecContext(ctx, `UPDATE reminder_jobs SET `+set+`
		WHERE appointment_id = ? AND lead_seconds = ? AND status = ? AND claim_token = ?`, args...)
	if err != nil {
		return fmt.Errorf("update reminder job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reminder job: %w", err)
	}
	if n == 0 {
		return reminders.ErrClaimLost
	}
	return nil
}

// ListJobs returns jobs matching filter, newest fire time first.
func (r *ReminderRepository) ListJobs(ctx context.Context, filter reminders.JobFilter) ([]reminders.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM reminder_jobs WHERE 1 = 1`
	var args []any
	if filter.AppointmentID != "" {
		query += ` AND appointment_id = ?`
		args = append(args, filter.AppointmentID)
	}
	if len(filter.Status) > 0 {
		query += ` AND status IN (`
		for i, s := range filter.Status {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	if !filter.From.IsZero() {
		query += ` AND fire_at >= ?`
		args = append(args, toNanos(filter.From))
	}
	if !filter.To.IsZero() {
		query += ` AND fire_at < ?`
		args = append(args, toNanos(filter.To))
	}
	query += ` ORDER BY fire_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return r.collect(ctx, query, args...)
}

// CountByStatus returns the number of jobs per status.
func (r *ReminderRepository) CountByStatus(ctx context.Context) (map[reminders.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reminder_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count reminder jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[reminders.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[reminders.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// DeleteFinishedBefore removes sent and skipped jobs whose fire time is older than before.
func (r *ReminderRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM reminder_jobs WHERE status IN ('sent', 'skipped') AND fire_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("delete reminder jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *ReminderRepository) collect(ctx context.Context, query string, args ...any) ([]reminders.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminder jobs: %w", err)
	}
	defer rows.Close()

	var out []reminders.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func leadSeconds(j *reminders.Job) int64 {
	return int64(j.Lead / time.Second)
}
