package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bookingd/internal/calendar"
)

// MirrorRepository stores the last-synced snapshot of each external event.
type MirrorRepository struct {
	db *DB
}

// NewMirrorRepository creates a repository over db.
func NewMirrorRepository(db *DB) *MirrorRepository {
	return &MirrorRepository{db: db}
}

var _ calendar.MirrorRepository = (*MirrorRepository)(nil)

const mirrorColumns = `appointment_id, external_id, start_at, end_at, etag, external_updated, local_version, synced_at`

func scanMirror(row rowScanner) (calendar.Mirror, error) {
	var (
		m                         calendar.Mirror
		startAt, endAt            int64
		externalUpdated, syncedAt int64
	)
	if err := row.Scan(&m.AppointmentID, &m.ExternalID, &startAt, &endAt, &m.ETag,
		&externalUpdated, &m.LocalVersion, &syncedAt); err != nil {
		return calendar.Mirror{}, err
	}
	m.Start = fromNanos(startAt)
	m.End = fromNanos(endAt)
	m.ExternalUpdated = fromNanos(externalUpdated)
	m.SyncedAt = fromNanos(syncedAt)
	return m, nil
}

// GetMirror returns the mirror of an appointment, or nil when it was never synced.
func (r *MirrorRepository) GetMirror(ctx context.Context, appointmentID string) (*calendar.Mirror, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mirrorColumns+` FROM calendar_mirrors WHERE appointment_id = ?`, appointmentID)
	m, err := scanMirror(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mirror: %w", err)
	}
	return &m, nil
}

// ListMirrors returns all mirrors.
func (r *MirrorRepository) ListMirrors(ctx context.Context) ([]calendar.Mirror, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+mirrorColumns+` FROM calendar_mirrors ORDER BY start_at`)
	if err != nil {
		return nil, fmt.Errorf("list mirrors: %w", err)
	}
	defer rows.Close()

	var out []calendar.Mirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mirror: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMirror inserts or replaces the mirror of an appointment.
func (r *MirrorRepository) SaveMirror(ctx context.Context, m calendar.Mirror) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO calendar_mirrors (`+mirrorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(appointment_id) DO UPDATE SET
			external_id = excluded.external_id,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			etag = excluded.etag,
			external_updated = excluded.external_updated,
			local_version = excluded.local_version,
			synced_at = excluded.synced_at`,
		m.AppointmentID, m.ExternalID, toNanos(m.Start), toNanos(m.End), m.ETag,
		toNanos(m.ExternalUpdated), m.LocalVersion, toNanos(m.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("save mirror: %w", err)
	}
	return nil
}

// DeleteMirror forgets the mirror of an appointment.
func (r *MirrorRepository) DeleteMirror(ctx context.Context, appointmentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM calendar_mirrors WHERE appointment_id = ?`, appointmentID); err != nil {
		return fmt.Errorf("delete mirror: %w", err)
	}
	return nil
}
