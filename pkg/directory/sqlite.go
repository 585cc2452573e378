package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id        TEXT PRIMARY KEY,
		hostname  TEXT NOT NULL DEFAULT '',
		os        TEXT NOT NULL DEFAULT '',
		arch      TEXT NOT NULL DEFAULT '',
		version   TEXT NOT NULL DEFAULT '',
		last_seen TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		device_id     TEXT NOT NULL REFERENCES devices(id),
		controller_id TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		created_at    TEXT NOT NULL,
		started_at    TEXT,
		ended_at      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, status)`,
}

// DefaultPollInterval is how often SQLite-backed watches re-query.
const DefaultPollInterval = 2 * time.Second

// SQLite is a Directory backed by a SQLite database. Watch streams are
// implemented by polling, which matches how the directory is consumed:
// status changes are human-paced (approval clicks), not hot-path data.
type SQLite struct {
	db *sql.DB

	// PollInterval overrides DefaultPollInterval, mainly for tests.
	PollInterval time.Duration
}

// OpenSQLite opens (or creates) the database at path and runs
// migrations.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLite{db: db}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: migration: %w", err)
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Announce upserts the device presence row.
func (s *SQLite) Announce(ctx context.Context, deviceID string, meta DeviceMetadata) error {
	if deviceID == "" {
		return fmt.Errorf("directory: empty device id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, hostname, os, arch, version, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   hostname = excluded.hostname, os = excluded.os, arch = excluded.arch,
		   version = excluded.version, last_seen = excluded.last_seen`,
		deviceID, meta.Hostname, meta.OS, meta.Arch, meta.Version,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// Device returns the presence record for a device ID.
func (s *SQLite) Device(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hostname, os, arch, version, last_seen FROM devices WHERE id = ?`, deviceID)
	var d Device
	var lastSeen string
	err := row.Scan(&d.ID, &d.Metadata.Hostname, &d.Metadata.OS, &d.Metadata.Arch,
		&d.Metadata.Version, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return &d, nil
}

// ListDevices returns all announced devices, most recently seen first.
func (s *SQLite) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, os, arch, version, last_seen FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var d Device
		var lastSeen string
		if err := rows.Scan(&d.ID, &d.Metadata.Hostname, &d.Metadata.OS, &d.Metadata.Arch,
			&d.Metadata.Version, &lastSeen); err != nil {
			return nil, err
		}
		d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CreateSession opens a pending session against an announced device.
func (s *SQLite) CreateSession(ctx context.Context, deviceID, controllerID string) (*Session, error) {
	if _, err := s.Device(ctx, deviceID); err != nil {
		return nil, err
	}
	sess := &Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		ControllerID: controllerID,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, device_id, controller_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceID, sess.ControllerID, string(sess.Status),
		sess.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Session returns one session record.
func (s *SQLite) Session(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, controller_id, status, created_at, started_at, ended_at
		 FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// SetSessionStatus moves a session record, enforcing the single-active-
// session invariant inside one transaction.
func (s *SQLite) SetSessionStatus(ctx context.Context, sessionID string, status Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current, deviceID string
	row := tx.QueryRowContext(ctx, `SELECT status, device_id FROM sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&current, &deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if Status(current) == status {
		return nil
	}
	if Status(current).Terminal() {
		return fmt.Errorf("directory: session %s is %s, cannot become %s", sessionID, current, status)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	switch status {
	case StatusActive:
		var active int
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE device_id = ? AND status = 'active' AND id != ?`,
			deviceID, sessionID)
		if err := row.Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return ErrDeviceBusy
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, started_at = ? WHERE id = ?`, string(status), now, sessionID)
	case StatusEnded, StatusDenied:
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, string(status), now, sessionID)
	default:
		return fmt.Errorf("directory: cannot move session %s to %q", sessionID, status)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// WatchSessionStatus polls the session row and streams changes,
// current value first. The channel closes on a terminal status or when
// ctx is done.
func (s *SQLite) WatchSessionStatus(ctx context.Context, sessionID string) (<-chan Status, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Status, 8)
	ch <- sess.Status
	if sess.Status.Terminal() {
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		last := sess.Status
		ticker := time.NewTicker(s.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := s.Session(ctx, sessionID)
				if err != nil {
					continue
				}
				if cur.Status == last {
					continue
				}
				last = cur.Status
				select {
				case ch <- last:
				case <-ctx.Done():
					return
				}
				if last.Terminal() {
					return
				}
			}
		}
	}()
	return ch, nil
}

// SessionsSince lists sessions created against a device at or after
// since, oldest first. The relay's REST API serves agent polling from
// it.
func (s *SQLite) SessionsSince(ctx context.Context, deviceID string, since time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, controller_id, status, created_at, started_at, ended_at
		 FROM sessions WHERE device_id = ? AND created_at >= ? ORDER BY created_at`,
		deviceID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("directory: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLite) WatchSessions(ctx context.Context, deviceID string) (<-chan Session, error) {
	since := time.Now().UTC().Add(-time.Second).Format(time.RFC3339)
	seen := make(map[string]bool)
	ch := make(chan Session, 8)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rows, err := s.db.QueryContext(ctx,
					`SELECT id, device_id, controller_id, status, created_at, started_at, ended_at
					 FROM sessions WHERE device_id = ? AND created_at >= ? ORDER BY created_at`,
					deviceID, since)
				if err != nil {
					continue
				}
				var fresh []Session
				for rows.Next() {
					sess, err := scanSession(rows)
					if err != nil {
						break
					}
					if !seen[sess.ID] {
						seen[sess.ID] = true
						fresh = append(fresh, *sess)
					}
				}
				rows.Close()
				for _, sess := range fresh {
					select {
					case ch <- sess:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

func (s *SQLite) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return DefaultPollInterval
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var status, createdAt string
	var startedAt, endedAt sql.NullString
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.ControllerID, &status,
		&createdAt, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		sess.StartedAt = &t
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339, endedAt.String)
		sess.EndedAt = &t
	}
	return &sess, nil
}
