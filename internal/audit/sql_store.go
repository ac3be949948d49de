package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// ============================================================================
// SQL STORE (SQLite, PostgreSQL)
// ============================================================================

type dialect struct {
	name        string
	placeholder func(n int) string
}

var (
	dialectSQLite   = dialect{name: "sqlite", placeholder: func(int) string { return "?" }}
	dialectPostgres = dialect{name: "postgres", placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
)

// Timestamps are stored as RFC3339Nano text so they read back bit-identical
// on both engines.
const schemaAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id       BIGINT PRIMARY KEY,
	ts             TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	action_summary TEXT NOT NULL,
	compliant      BOOLEAN NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	proof_hash     TEXT NOT NULL DEFAULT '',
	reject_code    TEXT NOT NULL DEFAULT '',
	previous_hash  TEXT NOT NULL,
	current_hash   TEXT NOT NULL
)`

const selectColumns = `entry_id, ts, agent_id, action_summary, compliant,
	message_id, proof_hash, reject_code, previous_hash, current_hash`

// SQLStore persists audit entries in an audit_entries table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore wraps an open modernc.org/sqlite handle and migrates it.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, dialectSQLite)
}

// NewPostgresStore wraps an open lib/pq handle and migrates it.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, dialectPostgres)
}

// OpenSQLite opens (or creates) a SQLite database at path. A single
// connection is used so ":memory:" databases survive and writes serialise.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenStore picks the dialect from a driver name ("sqlite" or "postgres").
func OpenStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, dsn)
	case "postgres", "postgresql", "pq":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported audit store driver %q", driver)
	}
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaAuditEntries); err != nil {
		return fmt.Errorf("migrate audit_entries (%s): %w", s.dialect.name, err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	return strings.Join(ph, ", ")
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	query := `INSERT INTO audit_entries (` + selectColumns + `) VALUES (` + s.placeholders(10) + `)`
	_, err := s.db.ExecContext(ctx, query,
		e.EntryID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.AgentID,
		e.ActionSummary,
		e.Compliant,
		e.MessageID,
		e.ProofHash,
		e.RejectCode,
		e.PreviousHash,
		e.CurrentHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.EntryID, err)
	}
	return nil
}

func (s *SQLStore) ReadRange(ctx context.Context, start, end int64) ([]Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_entries WHERE entry_id >= %s AND entry_id < %s ORDER BY entry_id`,
		selectColumns, s.dialect.placeholder(1), s.dialect.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.AgentID, &e.ActionSummary, &e.Compliant,
			&e.MessageID, &e.ProofHash, &e.RejectCode, &e.PreviousHash, &e.CurrentHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp of entry %d: %w", e.EntryID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
