package slots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinyland-inc/taleclaw/pkg/session"
)

const createSlotsTable = `CREATE TABLE IF NOT EXISTS slots (
	name       TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn       INTEGER NOT NULL,
	document   TEXT NOT NULL,
	saved_at   INTEGER NOT NULL
)`

// SQLiteStore keeps slots as rows of a single SQLite table.
type SQLiteStore struct {
	sqlDB *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(createSlotsTable); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create slots table: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, name string, sess session.Session) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	data, err := encodeDocument(name, sess)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO slots (name, session_id, turn, document, saved_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	session_id = excluded.session_id,
	turn       = excluded.turn,
	document   = excluded.document,
	saved_at   = excluded.saved_at`,
		strings.TrimSpace(name), sess.ID, sess.Turn, string(data), sess.LastSavedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save slot %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (session.Session, bool, error) {
	if err := ValidateName(name); err != nil {
		return session.Session{}, false, err
	}
	var document string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT document FROM slots WHERE name = ?`, strings.TrimSpace(name)).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("load slot %q: %w", name, err)
	}
	sess, err := decodeDocument(name, []byte(document))
	if err != nil {
		return session.Session{}, false, err
	}
	return sess, true, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name, session_id, turn, saved_at FROM slots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			savedAt int64
		)
		if err := rows.Scan(&info.Name, &info.SessionID, &info.Turn, &savedAt); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		info.SavedAt = time.UnixMilli(savedAt).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close closes the underlying SQLite database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
