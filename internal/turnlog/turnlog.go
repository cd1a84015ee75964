// Package turnlog persists one JSON record per turn so the approval UI and
// the CLI can show what a turn parsed, proposed and did.
package turnlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"patchwork/internal/actions"
	"patchwork/internal/approval"
	"patchwork/internal/executor"
	"patchwork/internal/markup"
)

var (
	// ErrUnknownTurn is returned when a turn id has no record.
	ErrUnknownTurn = errors.New("unknown turn")

	fileExtension = ".json"
	keySanitizer  = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// Logger is satisfied by *log.Logger and *logging.StructuredLogger.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Record is everything known about one turn.
type Record struct {
	TurnID      string                `json:"turn_id"`
	Seq         uint64                `json:"seq"`
	State       approval.State        `json:"state"`
	Transcript  []markup.Item         `json:"transcript,omitempty"`
	Actions     []actions.Entry       `json:"actions,omitempty"`
	Warnings    []actions.Rejection   `json:"warnings,omitempty"`
	Results     []executor.Result     `json:"results,omitempty"`
	Checkpoint  string                `json:"checkpoint,omitempty"`
	Error       string                `json:"error,omitempty"`
	Transitions []approval.Transition `json:"transitions,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Text returns the transcript's plain text.
func (r Record) Text() string {
	return markup.Text(r.Transcript)
}

// Summary is a record without its payload.
type Summary struct {
	TurnID     string         `json:"turn_id"`
	Seq        uint64         `json:"seq"`
	State      approval.State `json:"state"`
	Actions    int            `json:"actions"`
	Warnings   int            `json:"warnings"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Manager stores records under root/<yyyy-mm-dd>/<turn>.json.
type Manager struct {
	mu      sync.RWMutex
	root    string
	records map[string]*Record
	paths   map[string]string
	logger  Logger
}

// NewManager loads existing records from root.
func NewManager(root string, logger Logger) (*Manager, error) {
	if root == "" {
		root = "turns"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create turn dir: %w", err)
	}
	m := &Manager{
		root:    root,
		records: make(map[string]*Record),
		paths:   make(map[string]string),
		logger:  logger,
	}
	if err := m.loadExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes rec, replacing any earlier version of the same turn.
func (m *Manager) Save(rec Record) error {
	if rec.TurnID == "" {
		return errors.New("turn id must be set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	path, err := m.assignPathLocked(rec)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp turn: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace turn: %w", err)
	}
	stored := rec
	m.records[rec.TurnID] = &stored
	return nil
}

// Get returns the record for turnID.
func (m *Manager) Get(turnID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[turnID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	return *rec, nil
}

// Summaries lists every turn, newest sequence first.
func (m *Manager) Summaries() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, Summary{
			TurnID:     rec.TurnID,
			Seq:        rec.Seq,
			State:      rec.State,
			Actions:    len(rec.Actions),
			Warnings:   len(rec.Warnings),
			Checkpoint: rec.Checkpoint,
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq > out[j].Seq
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// MaxSeq returns the highest recorded sequence number.
func (m *Manager) MaxSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for _, rec := range m.records {
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	return max
}

func (m *Manager) assignPathLocked(rec Record) (string, error) {
	if path, ok := m.paths[rec.TurnID]; ok {
		return path, nil
	}
	folder := filepath.Join(m.root, rec.CreatedAt.Format("2006-01-02"))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create folder %s: %w", folder, err)
	}
	path := filepath.Join(folder, sanitizeKey(rec.TurnID)+fileExtension)
	m.paths[rec.TurnID] = path
	return path, nil
}

func (m *Manager) loadExisting() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read turn root: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dayDir := filepath.Join(m.root, entry.Name())
		files, err := os.ReadDir(dayDir)
		if err != nil {
			m.logger.Printf("skip %s: %v", dayDir, err)
			continue
		}
		for _, fileEntry := range files {
			if fileEntry.IsDir() || filepath.Ext(fileEntry.Name()) != fileExtension {
				continue
			}
			path := filepath.Join(dayDir, fileEntry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				m.logger.Printf("read %s failed: %v", path, err)
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				m.logger.Printf("parse %s failed: %v", path, err)
				continue
			}
			if rec.TurnID == "" {
				rec.TurnID = strings.TrimSuffix(fileEntry.Name(), fileExtension)
			}
			if existing, ok := m.records[rec.TurnID]; ok && existing.UpdatedAt.After(rec.UpdatedAt) {
				continue
			}
			m.records[rec.TurnID] = &rec
			m.paths[rec.TurnID] = path
			loaded++
		}
	}
	if loaded > 0 {
		m.logger.Printf("loaded %d stored turns", loaded)
	}
	return nil
}

func sanitizeKey(key string) string {
	sanitized := keySanitizer.ReplaceAllString(strings.TrimSpace(key), "_")
	sanitized = strings.Trim(sanitized, "_-")
	if sanitized == "" {
		sanitized = "turn"
	}
	return sanitized
}
