// Package record keeps a local sqlite history of reported scan groups.
package record

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"gnssmw/internal/sequencer"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS scan_groups (
			group_id          TEXT PRIMARY KEY,
			sequence_id       TEXT NOT NULL,
			token             INTEGER,
			is_valid          INTEGER,
			mode              INTEGER,
			assisted          INTEGER,
			aiding_lat        DOUBLE,
			aiding_lon        DOUBLE,
			almanac_crc       BIGINT,
			power_uah         BIGINT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS scan_results (
			group_id          TEXT NOT NULL,
			idx               INTEGER NOT NULL,
			gps_time          BIGINT,
			nav               BLOB,
			nav_valid         INTEGER,
			nb_svs            INTEGER,
			PRIMARY KEY (group_id, idx),
			FOREIGN KEY(group_id) REFERENCES scan_groups(group_id)
		);
		CREATE TABLE IF NOT EXISTS terminations (
			sequence_id       TEXT NOT NULL,
			event             TEXT NOT NULL,
			nb_sent           INTEGER,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// RecordScanDone stores d and returns the generated group id.
func (db *DB) RecordScanDone(d sequencer.ScanDoneData) (string, error) {
	id := uuid.NewString()

	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO scan_groups
		(group_id, sequence_id, token, is_valid, mode, assisted, aiding_lat, aiding_lon, almanac_crc, power_uah)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, d.SequenceID, int(d.Token), d.Valid, int(d.Context.Mode), d.Context.Assisted,
		float64(d.Context.AidingPosition.Latitude), float64(d.Context.AidingPosition.Longitude),
		int64(d.Context.AlmanacCRC), int64(d.PowerConsumptionUAh))
	if err != nil {
		return "", fmt.Errorf("insert scan group: %w", err)
	}

	for i, s := range d.Scans {
		_, err = tx.Exec(`INSERT INTO scan_results (group_id, idx, gps_time, nav, nav_valid, nb_svs)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, int64(s.GPSTime), s.Nav, s.NavValid, len(s.Satellites))
		if err != nil {
			return "", fmt.Errorf("insert scan result %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// RecordTerminated stores the terminal event of a sequence.
func (db *DB) RecordTerminated(sequenceID, event string, sent int) error {
	_, err := db.Exec(`INSERT INTO terminations (sequence_id, event, nb_sent) VALUES (?, ?, ?)`, sequenceID, event, sent)
	if err != nil {
		return fmt.Errorf("insert termination: %w", err)
	}
	return nil
}

type GroupSummary struct {
	GroupID    string    `json:"group_id"`
	SequenceID string    `json:"sequence_id"`
	Token      uint8     `json:"token"`
	Valid      bool      `json:"is_valid"`
	Assisted   bool      `json:"assisted"`
	PowerUAh   uint32    `json:"power_uah"`
	Scans      int       `json:"scans"`
	Event      string    `json:"event,omitempty"`
	Sent       int       `json:"nb_sent"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecentGroups returns the last limit groups, newest first, joined with the
// termination of their sequence when known.
func (db *DB) RecentGroups(limit int) ([]GroupSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT g.group_id, g.sequence_id, g.token, g.is_valid, g.assisted, g.power_uah,
		       (SELECT COUNT(*) FROM scan_results r WHERE r.group_id = g.group_id),
		       COALESCE(t.event, ''), COALESCE(t.nb_sent, 0), g.created_at
		FROM scan_groups g
		LEFT JOIN terminations t ON t.sequence_id = g.sequence_id
		ORDER BY g.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupSummary
	for rows.Next() {
		var (
			s       GroupSummary
			token   int
			power   int64
			created string
		)
		if err := rows.Scan(&s.GroupID, &s.SequenceID, &token, &s.Valid, &s.Assisted, &power, &s.Scans, &s.Event, &s.Sent, &created); err != nil {
			return nil, err
		}
		s.Token = uint8(token)
		s.PowerUAh = uint32(power)
		s.CreatedAt = parseSQLiteTime(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
