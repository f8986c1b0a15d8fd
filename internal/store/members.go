package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MemberRow is the persisted shape of a member: identity columns plus a few
// indexed derived fields and the full view model as JSON. Derived columns
// are overwritten wholesale on every sync.
type MemberRow struct {
	ID             string
	ClickUpID      int64
	Name           string
	Initials       string
	TargetHours    float64
	Status         string
	TrackedHours   float64
	Score          float64
	LastActiveDate time.Time
	ViewJSON       string
	SyncedAt       time.Time
}

func (db *DB) SaveMember(m MemberRow) error {
	_, err := db.Exec(
		`INSERT INTO members (id, clickup_id, name, initials, target_hours, status, tracked_hours, score, last_active_date, view_json, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			clickup_id = excluded.clickup_id,
			name = excluded.name,
			initials = excluded.initials,
			target_hours = excluded.target_hours,
			status = excluded.status,
			tracked_hours = excluded.tracked_hours,
			score = excluded.score,
			last_active_date = excluded.last_active_date,
			view_json = excluded.view_json,
			synced_at = excluded.synced_at`,
		m.ID, m.ClickUpID, m.Name, m.Initials, m.TargetHours, m.Status,
		m.TrackedHours, m.Score, msOrZero(m.LastActiveDate), m.ViewJSON,
		msOrZero(m.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("saving member %s: %w", m.ID, err)
	}
	return nil
}

func (db *DB) GetMember(id string) (*MemberRow, error) {
	rows, err := db.queryMembers("SELECT id, clickup_id, name, initials, target_hours, status, tracked_hours, score, last_active_date, view_json, synced_at FROM members WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (db *DB) ListMembers() ([]MemberRow, error) {
	return db.queryMembers("SELECT id, clickup_id, name, initials, target_hours, status, tracked_hours, score, last_active_date, view_json, synced_at FROM members ORDER BY name ASC")
}

func (db *DB) queryMembers(query string, args ...interface{}) ([]MemberRow, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []MemberRow
	for rows.Next() {
		var m MemberRow
		var clickupID sql.NullInt64
		var lastActiveMs, syncedMs int64
		if err := rows.Scan(
			&m.ID, &clickupID, &m.Name, &m.Initials, &m.TargetHours,
			&m.Status, &m.TrackedHours, &m.Score, &lastActiveMs, &m.ViewJSON, &syncedMs,
		); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		m.ClickUpID = clickupID.Int64
		m.LastActiveDate = timeOrZero(lastActiveMs)
		m.SyncedAt = timeOrZero(syncedMs)
		members = append(members, m)
	}

	return members, rows.Err()
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
