package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bookingd/internal/model"
)

// InsertAudit appends an audit entry.
func (q *Queries) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO appointment_audit (appointment_id, at, actor, action, from_status, to_status,
			old_start, old_duration, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AppointmentID, toNanos(e.At), e.Actor, e.Action, string(e.FromStatus), string(e.ToStatus),
		nullableNanos(e.OldStart), int64(e.OldDuration), e.Note,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAudit returns an appointment's audit trail, oldest first.
func (q *Queries) ListAudit(ctx context.Context, appointmentID string) ([]model.AuditEntry, error) {
	return q.collectAudit(ctx, `
		SELECT id, appointment_id, at, actor, action, from_status, to_status, old_start, old_duration, note
		FROM appointment_audit WHERE appointment_id = ? ORDER BY at, id`, appointmentID)
}

// AuditBetween returns all audit entries recorded in [from, to).
func (db *DB) AuditBetween(ctx context.Context, from, to time.Time) ([]model.AuditEntry, error) {
	return db.Queries().collectAudit(ctx, `
		SELECT id, appointment_id, at, actor, action, from_status, to_status, old_start, old_duration, note
		FROM appointment_audit WHERE at >= ? AND at < ? ORDER BY at, id`, toNanos(from), toNanos(to))
}

func (q *Queries) collectAudit(ctx context.Context, query string, args ...any) ([]model.AuditEntry, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                model.AuditEntry
			at, oldDuration  int64
			fromStat, toStat string
			oldStart         sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AppointmentID, &at, &e.Actor, &e.Action, &fromStat, &toStat,
			&oldStart, &oldDuration, &e.Note); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.At = fromNanos(at)
		e.FromStatus = model.Status(fromStat)
		e.ToStatus = model.Status(toStat)
		e.OldStart = timePtr(oldStart)
		e.OldDuration = time.Duration(oldDuration)
		out = append(out, e)
	}
	return out, rows.Err()
}
