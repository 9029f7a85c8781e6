package meta

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kk-code-lab/nstore/internal/clock"
)

// Object event kinds.
const (
	EventObjChanged  = "obj-changed"
	EventObjRemoved  = "obj-removed"
	EventObjArchived = "obj-archived"
)

// Store wraps the SQLite metadata database shared by all user stores.
type Store struct {
	db  *sql.DB
	hlc *clock.HLC
}

// Open opens or creates the metadata database at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("meta: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, hlc: clock.New()}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.restoreClock(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Flush forces a WAL checkpoint to durably persist changes.
func (s *Store) Flush() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) applyPragmas(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if version < 2 {
		if err = applyV2(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(2, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS obj_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			hlc_ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			obj_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS obj_events_user_ts_idx ON obj_events(user_id, hlc_ts)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func applyV2(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS usage (
			user_id TEXT PRIMARY KEY,
			used_bytes INTEGER NOT NULL,
			quota_bytes INTEGER NOT NULL,
			objects INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// restoreClock moves the HLC past the newest recorded event, so event order
// survives restarts with a clock that went backwards.
func (s *Store) restoreClock(ctx context.Context) error {
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(hlc_ts) FROM obj_events").Scan(&last); err != nil {
		return err
	}
	if last.Valid {
		s.hlc.Update(last.String)
	}
	return nil
}

// Event is one recorded object change.
type Event struct {
	Seq       int64
	HLC       string
	UserID    string
	ObjID     string
	Kind      string
	Version   uint64
	CreatedAt string
}

// RecordObjEvent appends an object event for a user.
func (s *Store) RecordObjEvent(ctx context.Context, userID, objID, kind string, version uint64) error {
	if userID == "" || kind == "" {
		return errors.New("meta: user id and event kind required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO obj_events(hlc_ts, user_id, obj_id, kind, version, created_at)
VALUES(?, ?, ?, ?, ?, ?)`, s.hlc.Next(), userID, objID, kind, int64(version), now)
	return err
}

// EventsSince returns events of a user recorded after the given HLC
// timestamp, oldest first. An empty since returns events from the start.
func (s *Store) EventsSince(ctx context.Context, userID, since string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, hlc_ts, user_id, obj_id, kind, version, created_at
FROM obj_events
WHERE user_id=? AND hlc_ts > ?
ORDER BY hlc_ts
LIMIT ?`, userID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var version int64
		if err := rows.Scan(&ev.Seq, &ev.HLC, &ev.UserID, &ev.ObjID, &ev.Kind, &version, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Version = uint64(version)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Usage is a space usage snapshot of one user store.
type Usage struct {
	UserID     string
	UsedBytes  int64
	QuotaBytes int64
	Objects    int64
	UpdatedAt  string
}

// RecordUsage inserts or replaces the usage snapshot of a user.
func (s *Store) RecordUsage(ctx context.Context, u Usage) error {
	if u.UserID == "" {
		return errors.New("meta: user id required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage(user_id, used_bytes, quota_bytes, objects, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	used_bytes=excluded.used_bytes,
	quota_bytes=excluded.quota_bytes,
	objects=excluded.objects,
	updated_at=excluded.updated_at`,
		u.UserID, u.UsedBytes, u.QuotaBytes, u.Objects, now)
	return err
}

// GetUsage returns the last usage snapshot of a user.
func (s *Store) GetUsage(ctx context.Context, userID string) (*Usage, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, used_bytes, quota_bytes, objects, updated_at
FROM usage
WHERE user_id=?`, userID)
	var u Usage
	if err := row.Scan(&u.UserID, &u.UsedBytes, &u.QuotaBytes, &u.Objects, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsage returns usage snapshots of all users ordered by user id.
func (s *Store) ListUsage(ctx context.Context) ([]Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, used_bytes, quota_bytes, objects, updated_at
FROM usage
ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.UserID, &u.UsedBytes, &u.QuotaBytes, &u.Objects, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
