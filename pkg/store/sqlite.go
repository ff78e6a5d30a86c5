package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/kaiwahq/kaiwa/pkg/session"
)

// SQLiteStore is the durable session metadata store backing resume and
// fork. Conversation history lives with external collaborators; this table
// holds identity, placement, the compaction audit trail, and the context
// export seed.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the session database
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Session store opened")
	return s, nil
}

// initSchema creates database tables
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			identity           TEXT PRIMARY KEY,
			model              TEXT NOT NULL DEFAULT '',
			working_dir        TEXT NOT NULL DEFAULT '',
			is_resumed         INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			last_active_at     INTEGER NOT NULL,
			compaction_count   INTEGER NOT NULL DEFAULT 0,
			last_compaction_at INTEGER NOT NULL DEFAULT 0,
			context_export     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the record for identity
func (s *SQLiteStore) Get(identity string) (*session.Record, error) {
	row := s.db.QueryRow(`
		SELECT identity, model, working_dir, is_resumed, created_at,
		       last_active_at, compaction_count, last_compaction_at, context_export
		FROM sessions WHERE identity = ?`, identity)

	var rec session.Record
	var isResumed int
	var createdAt, lastActiveAt, lastCompactionAt int64
	err := row.Scan(&rec.Identity, &rec.Model, &rec.WorkingDir, &isResumed,
		&createdAt, &lastActiveAt, &rec.CompactionCount, &lastCompactionAt, &rec.ContextExport)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	rec.IsResumed = isResumed != 0
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastActiveAt = time.UnixMilli(lastActiveAt)
	if lastCompactionAt > 0 {
		rec.LastCompactionAt = time.UnixMilli(lastCompactionAt)
	}
	return &rec, nil
}

// Save upserts a record. The compaction audit fields and context export
// are preserved on conflict; they advance through their own methods.
func (s *SQLiteStore) Save(rec *session.Record) error {
	isResumed := 0
	if rec.IsResumed {
		isResumed = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (identity, model, working_dir, is_resumed, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			model = excluded.model,
			working_dir = excluded.working_dir,
			is_resumed = excluded.is_resumed,
			last_active_at = excluded.last_active_at`,
		rec.Identity, rec.Model, rec.WorkingDir, isResumed,
		rec.CreatedAt.UnixMilli(), rec.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Touch updates the last-active timestamp
func (s *SQLiteStore) Touch(identity string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE identity = ?`,
		at.UnixMilli(), identity)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return s.requireRow(res, identity)
}

// RecordCompaction advances the compaction audit trail
func (s *SQLiteStore) RecordCompaction(identity string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET compaction_count = compaction_count + 1, last_compaction_at = ?
		WHERE identity = ?`,
		at.UnixMilli(), identity)
	if err != nil {
		return fmt.Errorf("record compaction: %w", err)
	}
	return s.requireRow(res, identity)
}

// SaveContext stores an exported context seed for forking
func (s *SQLiteStore) SaveContext(identity, export string) error {
	res, err := s.db.Exec(`UPDATE sessions SET context_export = ? WHERE identity = ?`,
		export, identity)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return s.requireRow(res, identity)
}

// ExportContext returns the stored context seed
func (s *SQLiteStore) ExportContext(identity string) (string, error) {
	row := s.db.QueryRow(`SELECT context_export FROM sessions WHERE identity = ?`, identity)

	var export string
	err := row.Scan(&export)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, identity)
	}
	if err != nil {
		return "", fmt.Errorf("export context: %w", err)
	}
	if export == "" {
		return "", fmt.Errorf("%w: no context export for %s", session.ErrSessionNotFound, identity)
	}
	return export, nil
}

// List returns all records ordered by most recent activity
func (s *SQLiteStore) List() ([]*session.Record, error) {
	rows, err := s.db.Query(`
		SELECT identity, model, working_dir, is_resumed, created_at,
		       last_active_at, compaction_count, last_compaction_at, context_export
		FROM sessions ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		var rec session.Record
		var isResumed int
		var createdAt, lastActiveAt, lastCompactionAt int64
		if err := rows.Scan(&rec.Identity, &rec.Model, &rec.WorkingDir, &isResumed,
			&createdAt, &lastActiveAt, &rec.CompactionCount, &lastCompactionAt, &rec.ContextExport); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.IsResumed = isResumed != 0
		rec.CreatedAt = time.UnixMilli(createdAt)
		rec.LastActiveAt = time.UnixMilli(lastActiveAt)
		if lastCompactionAt > 0 {
			rec.LastCompactionAt = time.UnixMilli(lastCompactionAt)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Reports ErrSessionNotFound for unknown keys.
func (s *SQLiteStore) Delete(identity string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.requireRow(res, identity)
}

// PruneInactive removes records idle since before cutoff, returning how
// many were removed.
func (s *SQLiteStore) PruneInactive(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_active_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) requireRow(res sql.Result, identity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, identity)
	}
	return nil
}
