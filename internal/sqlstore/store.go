// Package sqlstore is the project's auxiliary sqlite database. Statements
// from sql actions run here verbatim; each one is journaled so a checkpoint
// can record which database state it corresponds to.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"patchwork/internal/clock"
	"patchwork/internal/logging"
)

// ErrEmptyStatement is returned for blank statements.
var ErrEmptyStatement = errors.New("empty statement")

const journalTable = "patchwork_statement_log"

// Options configures Open.
type Options struct {
	Clock  clock.Clock
	Logger *logging.StructuredLogger
}

// Store wraps a sqlite database.
type Store struct {
	db     *sql.DB
	path   string
	clock  clock.Clock
	logger *logging.StructuredLogger
}

// Open creates or opens the database at path in WAL mode.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Statements must observe each other in order.
	db.SetMaxOpenConns(1)

	if err := checkIntegrity(db); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS `+journalTable+` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	executed_at INTEGER NOT NULL,
	digest TEXT NOT NULL,
	statement TEXT NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{db: db, path: path, clock: clk, logger: logger.WithComponent("sqlstore")}, nil
}

// checkIntegrity runs a quick_check on an existing file. A fresh file passes.
func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("database integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ExecuteStatement runs stmt and journals it in one transaction, so a
// failing statement leaves neither its effects nor a journal row.
func (s *Store) ExecuteStatement(ctx context.Context, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return ErrEmptyStatement
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin statement: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("execute statement: %w", err)
	}
	sum := blake3.Sum256([]byte(stmt))
	digest := fmt.Sprintf("%x", sum[:8])
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+journalTable+` (executed_at, digest, statement) VALUES (?, ?, ?)`,
		s.clock.Now().UnixNano(), digest, stmt); err != nil {
		return fmt.Errorf("journal statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit statement: %w", err)
	}
	s.logger.Info("statement executed", map[string]interface{}{"digest": digest})
	return nil
}

// LastStatement names the most recent journaled statement. ok is false when
// nothing has run yet.
func (s *Store) LastStatement(ctx context.Context) (name string, at time.Time, ok bool, err error) {
	var id int64
	var executedAt int64
	var digest string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, executed_at, digest FROM `+journalTable+` ORDER BY id DESC LIMIT 1`).Scan(&id, &executedAt, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("read statement journal: %w", err)
	}
	return fmt.Sprintf("stmt-%d-%s", id, digest), time.Unix(0, executedAt).UTC(), true, nil
}

// Journal is one executed statement.
type Journal struct {
	ID         int64
	ExecutedAt time.Time
	Digest     string
	Statement  string
}

// History returns the most recent limit journal entries, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Journal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, executed_at, digest, statement FROM `+journalTable+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query statement journal: %w", err)
	}
	defer rows.Close()

	var out []Journal
	for rows.Next() {
		var j Journal
		var executedAt int64
		if err := rows.Scan(&j.ID, &executedAt, &j.Digest, &j.Statement); err != nil {
			return nil, err
		}
		j.ExecutedAt = time.Unix(0, executedAt).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}
