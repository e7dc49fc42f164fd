package store

import (
	"fmt"
	"time"
)

// Launch is one entry of the launch log.
type Launch struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Storage    string    `json:"storage"`
	Path       string    `json:"path"`
	FileType   string    `json:"file_type"`
	Outcome    string    `json:"outcome"`
	LaunchedAt time.Time `json:"launched_at"`
}

// RecordLaunch appends l to the log. A zero LaunchedAt means now.
func (db *DB) RecordLaunch(l *Launch) error {
	if l.LaunchedAt.IsZero() {
		l.LaunchedAt = time.Now().UTC()
	}
	if l.FileType == "" {
		l.FileType = "unknown"
	}
	res, err := db.Exec(`
		INSERT INTO launches (device_id, storage, path, file_type, outcome, launched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.DeviceID, l.Storage, l.Path, l.FileType, l.Outcome, l.LaunchedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: record launch: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// RecentLaunches returns up to n launches, newest first.
func (db *DB) RecentLaunches(n int) ([]Launch, error) {
	rows, err := db.Query(`
		SELECT id, device_id, storage, path, file_type, outcome, launched_at
		FROM launches ORDER BY launched_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent launches: %w", err)
	}
	defer rows.Close()

	var out []Launch
	for rows.Next() {
		var (
			l  Launch
			ms int64
		)
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Storage, &l.Path, &l.FileType, &l.Outcome, &ms); err != nil {
			return nil, fmt.Errorf("store: scan launch: %w", err)
		}
		l.LaunchedAt = time.UnixMilli(ms).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
