package history

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB implements Sink on SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem location; ":memory:" works for tests.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty history sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.ensureSchema(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS run_history(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		profiler TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		return_code INTEGER NULL,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP NULL,
		completed_at TIMESTAMP NULL,
		recorded_at TIMESTAMP NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_run_history_created ON run_history(created_at);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordFinished(rec Record) error {
	var rc sql.NullInt64
	if rec.ReturnCode != nil {
		rc = sql.NullInt64{Int64: int64(*rec.ReturnCode), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO run_history(run_id, profiler, status, source, return_code, created_at, started_at, completed_at, recorded_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status=excluded.status,
			return_code=excluded.return_code,
			completed_at=excluded.completed_at,
			recorded_at=excluded.recorded_at;`,
		rec.RunID, rec.Profiler, rec.Status, rec.Source, rc,
		rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.CompletedAt), time.Now().UTC())
	return err
}

func (s *DB) Query(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT run_id, profiler, status, source, return_code, created_at, started_at, completed_at
		FROM run_history ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var rec Record
		var rc sql.NullInt64
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.Profiler, &rec.Status, &rec.Source, &rc, &rec.CreatedAt, &started, &completed); err != nil {
			return nil, err
		}
		if rc.Valid {
			v := int(rc.Int64)
			rec.ReturnCode = &v
		}
		if started.Valid {
			t := started.Time
			rec.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
