// Package checkpoint records the project working tree after every executor
// pass and restores it on demand. File contents are stored once, compressed,
// under a keyed BLAKE3 address; checkpoint metadata lives in sqlite.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"patchwork/internal/clock"
	"patchwork/internal/logging"
	"patchwork/internal/workspace"
)

var (
	// ErrCheckpointNotFound is returned for unknown or ambiguous identifiers.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// DefaultIgnore lists names never captured in a snapshot.
var DefaultIgnore = []string{".git", "node_modules"}

const (
	headRef       = "HEAD"
	minPrefixLen  = 4
	indexFileName = "checkpoints.db"
	objectsDir    = "objects"
)

// ExternalRef ties a checkpoint to the auxiliary store state.
type ExternalRef struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// RefSource reports the latest auxiliary store state. sqlstore.Store implements it.
type RefSource interface {
	LastStatement(ctx context.Context) (name string, at time.Time, ok bool, err error)
}

// Checkpoint is an immutable version-history entry.
type Checkpoint struct {
	ID          string       `json:"id"`
	Parent      string       `json:"parent,omitempty"`
	Seq         uint64       `json:"seq"`
	TurnID      string       `json:"turn_id,omitempty"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Tree        string       `json:"tree"`
	Files       int          `json:"files"`
	ExternalRef *ExternalRef `json:"external_ref,omitempty"`
}

// Short returns the abbreviated identifier used in listings.
func (c Checkpoint) Short() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// CommitRequest describes the pass being recorded.
type CommitRequest struct {
	TurnID  string
	Message string
}

// Options configures Open.
type Options struct {
	// Root is the working tree.
	Root string
	// DataDir holds the object store and index. It is ignored when it lies under Root.
	DataDir string
	Ignore  []string
	Refs    RefSource
	Clock   clock.Clock
	Logger  *logging.StructuredLogger
}

// Manager owns one project's version history.
type Manager struct {
	mu      sync.Mutex
	root    string
	db      *sql.DB
	objects objectStore
	ignore  ignoreSet
	refs    RefSource
	clock   clock.Clock
	logger  *logging.StructuredLogger
}

// commitHeader is hashed to derive the checkpoint id.
type commitHeader struct {
	Parent  string `cbor:"1,keyasint"`
	Tree    Hash   `cbor:"2,keyasint"`
	Seq     uint64 `cbor:"3,keyasint"`
	TurnID  string `cbor:"4,keyasint"`
	Message string `cbor:"5,keyasint"`
	Time    int64  `cbor:"6,keyasint"`
}

// Open prepares the object store and index under opts.DataDir.
func Open(opts Options) (*Manager, error) {
	if opts.Root == "" || opts.DataDir == "" {
		return nil, errors.New("checkpoint root and data dir must be set")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	dataDir, err := filepath.Abs(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dataDir, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("prepare checkpoint dir: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(dataDir); err == nil {
		dataDir = resolved
	}

	ignore := append(append([]string{}, DefaultIgnore...), opts.Ignore...)
	if rel, err := filepath.Rel(root, dataDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		ignore = append(ignore, filepath.ToSlash(rel))
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", filepath.Join(dataDir, indexFileName))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint index: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	parent TEXT NOT NULL DEFAULT '',
	turn_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	tree_hash TEXT NOT NULL,
	tree BLOB NOT NULL,
	files INTEGER NOT NULL,
	ref_name TEXT,
	ref_at INTEGER
);
CREATE TABLE IF NOT EXISTS refs (
	name TEXT PRIMARY KEY,
	checkpoint TEXT NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		root:    root,
		db:      db,
		objects: objectStore{dir: filepath.Join(dataDir, objectsDir)},
		ignore:  newIgnoreSet(ignore),
		refs:    opts.Refs,
		clock:   clk,
		logger:  logger.WithComponent("checkpoint"),
	}, nil
}

// Close releases the index.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Commit snapshots the working tree as it is now.
func (m *Manager) Commit(ctx context.Context, req CommitRequest) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := walkTree(m.root, m.ignore)
	if err != nil {
		return Checkpoint{}, err
	}
	entries := make([]TreeEntry, 0, len(files))
	for rel, st := range files {
		data, err := os.ReadFile(st.abs)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("read %s: %w", rel, err)
		}
		h, err := m.objects.put(data)
		if err != nil {
			return Checkpoint{}, err
		}
		entries = append(entries, TreeEntry{Path: rel, Blob: h, Mode: st.mode, Size: int64(len(data))})
	}
	encoded, err := encodeTree(entries)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode tree: %w", err)
	}
	treeHash := hashTree(encoded)

	parent, err := m.readHead(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	var last sql.NullInt64
	if err := m.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM checkpoints`).Scan(&last); err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint sequence: %w", err)
	}
	seq := uint64(last.Int64) + 1

	now := m.clock.Now().UTC()
	header, err := encMode.Marshal(commitHeader{
		Parent:  parent,
		Tree:    treeHash,
		Seq:     seq,
		TurnID:  req.TurnID,
		Message: req.Message,
		Time:    now.UnixNano(),
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode commit header: %w", err)
	}

	cp := Checkpoint{
		ID:        hashCommit(header).String(),
		Parent:    parent,
		Seq:       seq,
		TurnID:    req.TurnID,
		Message:   req.Message,
		CreatedAt: now,
		Tree:      treeHash.String(),
		Files:     len(entries),
	}
	if m.refs != nil {
		name, at, ok, err := m.refs.LastStatement(ctx)
		if err != nil {
			m.logger.Warn("external ref unavailable", map[string]interface{}{"error": err.Error()})
		} else if ok {
			cp.ExternalRef = &ExternalRef{Name: name, At: at}
		}
	}

	var refName sql.NullString
	var refAt sql.NullInt64
	if cp.ExternalRef != nil {
		refName = sql.NullString{String: cp.ExternalRef.Name, Valid: true}
		refAt = sql.NullInt64{Int64: cp.ExternalRef.At.UnixNano(), Valid: true}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints (seq, id, parent, turn_id, message, created_at, tree_hash, tree, files, ref_name, ref_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.Seq, cp.ID, cp.Parent, cp.TurnID, cp.Message, now.UnixNano(), cp.Tree, encoded, cp.Files, refName, refAt); err != nil {
		return Checkpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := setHead(ctx, tx, cp.ID); err != nil {
		return Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("commit checkpoint: %w", err)
	}

	m.logger.Info("checkpoint committed", map[string]interface{}{
		"id":    cp.Short(),
		"seq":   cp.Seq,
		"files": cp.Files,
		"turn":  cp.TurnID,
	})
	return cp, nil
}

// Revert makes the working tree match checkpoint id exactly. Files not in
// the checkpoint are removed; files whose content or mode differ are
// rewritten. Newer checkpoints are kept and HEAD moves to id.
func (m *Manager) Revert(ctx context.Context, id string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, encoded, err := m.lookup(ctx, id)
	if err != nil {
		return Checkpoint{}, err
	}
	entries, err := decodeTree(encoded)
	if err != nil {
		return Checkpoint{}, err
	}
	want := make(map[string]TreeEntry, len(entries))
	for _, e := range entries {
		want[e.Path] = e
	}
	for _, e := range entries {
		if !m.objects.has(e.Blob) {
			return Checkpoint{}, fmt.Errorf("checkpoint %s: object %s for %s is missing", cp.Short(), e.Blob, e.Path)
		}
	}

	current, err := walkTree(m.root, m.ignore)
	if err != nil {
		return Checkpoint{}, err
	}

	removed := 0
	for rel, st := range current {
		if _, ok := want[rel]; ok {
			continue
		}
		if err := os.Remove(st.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("remove %s: %w", rel, err)
		}
		pruneParents(m.root, rel)
		removed++
	}

	written := 0
	for _, e := range entries {
		abs := filepath.Join(m.root, filepath.FromSlash(e.Path))
		if st, ok := current[e.Path]; ok && st.mode == e.Mode && st.size == e.Size {
			data, err := os.ReadFile(abs)
			if err == nil && hashBlob(data) == e.Blob {
				continue
			}
		}
		if info, err := os.Lstat(abs); err == nil && !info.Mode().IsRegular() {
			if err := os.RemoveAll(abs); err != nil {
				return Checkpoint{}, fmt.Errorf("clear %s: %w", e.Path, err)
			}
		}
		data, err := m.objects.get(e.Blob)
		if err != nil {
			return Checkpoint{}, err
		}
		if err := workspace.WriteFileAtomic(abs, data, e.Mode); err != nil {
			return Checkpoint{}, fmt.Errorf("restore %s: %w", e.Path, err)
		}
		written++
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, err
	}
	defer tx.Rollback()
	if err := setHead(ctx, tx, cp.ID); err != nil {
		return Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, err
	}

	m.logger.Info("reverted", map[string]interface{}{"id": cp.Short(), "removed": removed, "written": written})
	return cp, nil
}

// List returns every checkpoint ordered by Seq.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT seq, id, parent, turn_id, message, created_at, tree_hash, files, ref_name, ref_at
FROM checkpoints ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Get resolves a full id or unique prefix.
func (m *Manager) Get(ctx context.Context, id string) (Checkpoint, error) {
	cp, _, err := m.lookup(ctx, id)
	return cp, err
}

// Head returns the checkpoint the working tree was last committed or reverted to.
func (m *Manager) Head(ctx context.Context) (Checkpoint, bool, error) {
	id, err := m.readHead(ctx)
	if err != nil || id == "" {
		return Checkpoint{}, false, err
	}
	cp, _, err := m.lookup(ctx, id)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Files lists the paths recorded in checkpoint id.
func (m *Manager) Files(ctx context.Context, id string) ([]TreeEntry, error) {
	_, encoded, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeTree(encoded)
}

func (m *Manager) readHead(ctx context.Context) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx, `SELECT checkpoint FROM refs WHERE name = ?`, headRef).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return id, nil
}

func (m *Manager) lookup(ctx context.Context, id string) (Checkpoint, []byte, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) < minPrefixLen || strings.Trim(id, "0123456789abcdef") != "" {
		return Checkpoint{}, nil, fmt.Errorf("%w: %q", ErrCheckpointNotFound, id)
	}
	rows, err := m.db.QueryContext(ctx, `
SELECT seq, id, parent, turn_id, message, created_at, tree_hash, files, ref_name, ref_at, tree
FROM checkpoints WHERE id >= ? AND id < ? ORDER BY seq LIMIT 2`, id, id+"g")
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("lookup checkpoint: %w", err)
	}
	defer rows.Close()

	var found []Checkpoint
	var tree []byte
	for rows.Next() {
		cp, t, err := scanCheckpointWithTree(rows)
		if err != nil {
			return Checkpoint{}, nil, err
		}
		found = append(found, cp)
		tree = t
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, nil, err
	}
	switch len(found) {
	case 0:
		return Checkpoint{}, nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	case 1:
		return found[0], tree, nil
	default:
		return Checkpoint{}, nil, fmt.Errorf("%w: prefix %s is ambiguous", ErrCheckpointNotFound, id)
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row scanner) (Checkpoint, error) {
	cp, _, err := scan(row, false)
	return cp, err
}

func scanCheckpointWithTree(row scanner) (Checkpoint, []byte, error) {
	return scan(row, true)
}

func scan(row scanner, withTree bool) (Checkpoint, []byte, error) {
	var cp Checkpoint
	var created int64
	var refName sql.NullString
	var refAt sql.NullInt64
	var tree []byte
	dest := []interface{}{&cp.Seq, &cp.ID, &cp.Parent, &cp.TurnID, &cp.Message, &created, &cp.Tree, &cp.Files, &refName, &refAt}
	if withTree {
		dest = append(dest, &tree)
	}
	if err := row.Scan(dest...); err != nil {
		return Checkpoint{}, nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	if refName.Valid {
		cp.ExternalRef = &ExternalRef{Name: refName.String, At: time.Unix(0, refAt.Int64).UTC()}
	}
	return cp, tree, nil
}

func setHead(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO refs (name, checkpoint) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET checkpoint = excluded.checkpoint`, headRef, id); err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	return nil
}
