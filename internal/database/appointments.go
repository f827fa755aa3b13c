package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"bookingd/internal/model"
)

const appointmentColumns = `id, resource_id, customer_ref, customer_name, customer_phone, customer_email,
	customer_chat_id, service_id, service_name, price, start_at, end_at, status, source,
	external_event_id, notes, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var (
		a                           model.Appointment
		startAt, endAt              int64
		createdAt, updatedAt        int64
		status, source, externalRef sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.ResourceID, &a.Customer.Ref, &a.Customer.Name, &a.Customer.Phone, &a.Customer.Email,
		&a.Customer.TelegramChatID, &a.ServiceID, &a.ServiceName, &a.Price, &startAt, &endAt,
		&status, &source, &externalRef, &a.Notes, &createdAt, &updatedAt, &a.Version,
	)
	if err != nil {
		return model.Appointment{}, err
	}

	a.Start = fromNanos(startAt)
	a.Duration = time.Duration(endAt - startAt)
	a.Status = model.Status(status.String)
	a.Source = model.Source(source.String)
	a.ExternalEventID = externalRef.String
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

// InsertAppointment stores a new appointment.
func (q *Queries) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	if a.Version == 0 {
		a.Version = 1
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ResourceID, a.Customer.Ref, a.Customer.Name, a.Customer.Phone, a.Customer.Email,
		a.Customer.TelegramChatID, a.ServiceID, a.ServiceName, a.Price, toNanos(a.Start), toNanos(a.End()),
		string(a.Status), string(a.Source), nullString(a.ExternalEventID), a.Notes,
		toNanos(a.CreatedAt), toNanos(a.UpdatedAt), a.Version,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// UpdateAppointment writes mutable fields using optimistic locking on version.
// On success a.Version is incremented.
func (q *Queries) UpdateAppointment(ctx context.Context, a *model.Appointment) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE appointments
		SET start_at = ?, end_at = ?, status = ?, external_event_id = ?, notes = ?,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		toNanos(a.Start), toNanos(a.End()), string(a.Status), nullString(a.ExternalEventID), a.Notes,
		toNanos(a.UpdatedAt), a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	a.Version++
	return nil
}

// GetAppointment loads an appointment with its audit trail.
func (q *Queries) GetAppointment(ctx context.Context, id string) (*model.Appointment, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: appointment %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}

	a.Audit, err = q.ListAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByExternalID returns the appointment linked to an external calendar event.
func (q *Queries) FindByExternalID(ctx context.Context, externalID string) (*model.Appointment, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE external_event_id = ?`, externalID)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: external event %s", model.ErrNotFound, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("find by external id: %w", err)
	}
	return &a, nil
}

// FindOverlapping returns active appointments of resource overlapping [start, end).
func (q *Queries) FindOverlapping(ctx context.Context, resource string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return q.collect(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE resource_id = ? AND start_at < ? AND end_at > ?
		  AND status IN ('pending', 'confirmed') AND id != ?
		ORDER BY start_at`,
		resource, toNanos(end), toNanos(start), excludeID,
	)
}

// CountActiveBetween counts active appointments of resource starting in [from, to).
func (q *Queries) CountActiveBetween(ctx context.Context, resource string, from, to time.Time, excludeID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE resource_id = ? AND start_at >= ? AND start_at < ?
		  AND status IN ('pending', 'confirmed') AND id != ?`,
		resource, toNanos(from), toNanos(to), excludeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count appointments: %w", err)
	}
	return n, nil
}

func (q *Queries) collect(ctx context.Context, query string, args ...any) ([]model.Appointment, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppointmentsInRange lazily yields appointments starting in [from, to) ordered by start.
func (db *DB) AppointmentsInRange(ctx context.Context, from, to time.Time) iter.Seq2[model.Appointment, error] {
	return db.iterate(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE start_at >= ? AND start_at < ?
		ORDER BY start_at, id`, toNanos(from), toNanos(to))
}

// AppointmentsByCustomer lazily yields a customer's appointments ordered by start.
func (db *DB) AppointmentsByCustomer(ctx context.Context, ref string) iter.Seq2[model.Appointment, error] {
	return db.iterate(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE customer_ref = ?
		ORDER BY start_at, id`, ref)
}

func (db *DB) iterate(ctx context.Context, query string, args ...any) iter.Seq2[model.Appointment, error] {
	return func(yield func(model.Appointment, error) bool) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(model.Appointment{}, fmt.Errorf("query appointments: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAppointment(rows)
			if err != nil {
				yield(model.Appointment{}, fmt.Errorf("scan appointment: %w", err))
				return
			}
			if !yield(a, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Appointment{}, err)
		}
	}
}

// ListAppointments returns appointments starting in [from, to) with the given
// statuses; no statuses means all.
func (db *DB) ListAppointments(ctx context.Context, from, to time.Time, statuses ...model.Status) ([]model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE start_at >= ? AND start_at < ?`
	args := []any{toNanos(from), toNanos(to)}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY start_at, id`
	return db.Queries().collect(ctx, query, args...)
}

// ListForSync returns appointments that the calendar reconciler has to look at:
// everything starting in the window plus anything already linked to an event.
func (db *DB) ListForSync(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	return db.Queries().collect(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE (start_at >= ? AND start_at < ?)
		   OR (external_event_id IS NOT NULL AND end_at > ?)
		ORDER BY start_at, id`,
		toNanos(from), toNanos(to), toNanos(from),
	)
}
