package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists run records to a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	limit  int
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the database at path. Records beyond limit
// are deleted as new ones are saved.
func NewSQLiteStore(path string, limit int, logger *slog.Logger) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	record_json TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	s := &SQLiteStore{db: db, limit: limit, logger: logger.With("component", "history")}
	s.logger.Info("opened run history", "path", path)
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Records returns the stored records, most recent first.
func (s *SQLiteStore) Records() ([]RunRecord, error) {
	rows, err := s.db.Query(`SELECT record_json FROM runs ORDER BY seq DESC LIMIT ?`, s.limit)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	out := make([]RunRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run record row: %w", err)
		}
		var r RunRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			s.logger.Warn("failed to parse run record", "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run record rows: %w", err)
	}
	return out, nil
}

// Get returns the record with id.
func (s *SQLiteStore) Get(id string) (RunRecord, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT record_json FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, fmt.Errorf("query run record %q: %w", id, err)
	}
	var r RunRecord
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return RunRecord{}, false, fmt.Errorf("unmarshal run record %q: %w", id, err)
	}
	return r, true, nil
}

// Save stores r and trims the table to the limit. Saving a record with an
// existing id replaces it.
func (s *SQLiteStore) Save(r RunRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("replace run record: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO runs (id, name, completed_at, record_json) VALUES (?, ?, ?, ?)`,
		r.ID,
		r.Name,
		r.CompletedAt.UTC().Format(time.RFC3339Nano),
		string(payload),
	); err != nil {
		return fmt.Errorf("save run record: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM runs WHERE seq NOT IN (SELECT seq FROM runs ORDER BY seq DESC LIMIT ?)`,
		s.limit,
	); err != nil {
		return fmt.Errorf("trim run history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run record: %w", err)
	}

	s.logger.Debug("saved run record", "machine", r.Name, "id", r.ID)
	return nil
}
