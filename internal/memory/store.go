// Package memory persists what the agent remembers across sessions. Three
// append-only JSONL files (episodic, semantic, procedural) are the source of
// truth; a sqlite index shadows them for search and is rebuilt from the JSONL
// on open, so losing the index loses nothing.
package memory

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/miosa-osa/osa/pkg/models"
)

// Kind selects which store an entry belongs to.
type Kind string

const (
	// KindEpisodic holds what happened: conversation turns, compacted
	// context, completed tasks.
	KindEpisodic Kind = "episodic"

	// KindSemantic holds facts: user preferences, learned knowledge.
	KindSemantic Kind = "semantic"

	// KindProcedural holds how-to knowledge: successful tool sequences,
	// recipes.
	KindProcedural Kind = "procedural"
)

// Valid reports whether k names a known store.
func (k Kind) Valid() bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// Kinds lists every store in a stable order.
func Kinds() []Kind {
	return []Kind{KindEpisodic, KindSemantic, KindProcedural}
}

// Entry is one remembered item. Entries are immutable once appended;
// storing under an existing key shadows the older entry rather than
// rewriting it.
type Entry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("memory: entry not found")

// IndexFilename is the sqlite index file inside the memory directory.
const IndexFilename = "index.db"

// Store is the memory layer. Append serializes through a mutex (one writer
// per file); reads go to the sqlite index.
type Store struct {
	mu     sync.Mutex
	dir    string
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "memory")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates the memory directory if needed, opens the sqlite index, and
// rebuilds it from the JSONL files. Corrupt JSONL lines are logged and
// skipped; they never abort the open.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: slog.Default().With("component", "memory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, IndexFilename))
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}
	s.db = db

	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the sqlite index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Append records a new entry: one JSONL line in its kind's file, then an
// index row. The JSONL write happens first so a crash can only lose the
// index, which rebuilds on the next open.
func (s *Store) Append(ctx context.Context, e Entry) (*Entry, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("memory: invalid kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Content) == "" {
		return nil, errors.New("memory: content required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Key == "" {
		e.Key = e.ID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(e.Kind, line); err != nil {
		return nil, err
	}
	if err := s.indexEntry(ctx, e); err != nil {
		// The JSONL line is durable; the index catches up on next open.
		s.logger.Warn("memory index insert failed", "key", e.Key, "error", err)
	}
	return &e, nil
}

// Get returns the newest entry stored under key, across all kinds.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, kind, content, tags, session_id, created_at
		FROM entries WHERE key = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Search returns up to limit entries whose content or tags match the query,
// newest first. Matching is case-insensitive substring relevance; every
// whitespace-separated term must match.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var (
		where strings.Builder
		args  []any
	)
	for i, term := range terms {
		if i > 0 {
			where.WriteString(" AND ")
		}
		where.WriteString("(lower(content) LIKE ? OR lower(tags) LIKE ?)")
		pat := "%" + term + "%"
		args = append(args, pat, pat)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, kind, content, tags, session_id, created_at
		FROM entries WHERE `+where.String()+`
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Recent returns the newest entries of one kind, newest first.
func (s *Store) Recent(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, kind, content, tags, session_id, created_at
		FROM entries WHERE kind = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count reports how many entries the index holds per kind.
func (s *Store) Count(ctx context.Context) (map[Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM entries GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[Kind(kind)] = n
	}
	return out, rows.Err()
}

// ArchiveMessages appends compacted conversation turns to the episodic
// store, one entry per message. Used by the loop's compactor so summarized
// turns stay retrievable.
func (s *Store) ArchiveMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		_, err := s.Append(ctx, Entry{
			Key:       "session:" + sessionID,
			Kind:      KindEpisodic,
			Content:   string(m.Role) + ": " + m.Content,
			Tags:      []string{"compacted", string(m.Role)},
			SessionID: sessionID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendLine(kind Kind, line []byte) error {
	path := filepath.Join(s.dir, string(kind)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s store: %w", kind, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s store: %w", kind, err)
	}
	return f.Sync()
}

func (s *Store) indexEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, key, kind, content, tags, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Key, string(e.Kind), e.Content, strings.Join(e.Tags, ","),
		e.SessionID, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// rebuildIndex drops and repopulates the index from the JSONL files.
func (s *Store) rebuildIndex() error {
	stmts := []string{
		`DROP TABLE IF EXISTS entries`,
		`CREATE TABLE entries (
			id TEXT NOT NULL,
			key TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			session_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_entries_key ON entries(key)`,
		`CREATE INDEX idx_entries_kind ON entries(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory index: %w", err)
		}
	}

	ctx := context.Background()
	for _, kind := range Kinds() {
		if err := s.loadFile(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadFile(ctx context.Context, kind Kind) error {
	path := filepath.Join(s.dir, string(kind)+".jsonl")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", kind, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping corrupt memory line",
				"kind", string(kind), "line", lineNo, "error", err)
			continue
		}
		if e.Kind == "" {
			e.Kind = kind
		}
		if err := s.indexEntry(ctx, e); err != nil {
			return fmt.Errorf("index %s entry: %w", kind, err)
		}
	}
	return scanner.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e       Entry
		kind    string
		tags    sql.NullString
		session sql.NullString
		created string
	)
	if err := row.Scan(&e.ID, &e.Key, &kind, &e.Content, &tags, &session, &created); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	if tags.Valid && tags.String != "" {
		e.Tags = strings.Split(tags.String, ",")
	}
	e.SessionID = session.String
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}
