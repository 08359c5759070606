// Package cache stores compiled command streams in SQLite, keyed by a digest
// of the graph description and the configuration it was compiled with.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/sbl8/cascade/config"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS compiled_streams (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL,
	num_agents INTEGER NOT NULL DEFAULT 0,
	stream BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	hits INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_compiled_streams_created ON compiled_streams(created_at);
`

// ErrNotFound is returned by Get and Delete for an unknown key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached compilation.
type Entry struct {
	ID        string
	Key       string
	Source    string
	NumAgents int
	Stream    []byte
	CreatedAt time.Time
	Hits      int
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Key digests a graph description together with the parts of cfg that
// change the compiled output. Logging and cache settings are ignored.
func Key(description []byte, cfg config.Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(struct {
		Hardware config.Capabilities `toml:"hardware"`
		Compile  config.Compile      `toml:"compile"`
	}{cfg.Hardware, cfg.Compile}); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	h := sha256.New()
	h.Write(description)
	h.Write([]byte{0})
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Put stores e, replacing any entry with the same key. A missing ID or
// creation time is filled in; the stored entry is returned.
func (s *Store) Put(ctx context.Context, e Entry) (Entry, error) {
	if e.Key == "" {
		return Entry{}, fmt.Errorf("put entry: empty key")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Hits = 0
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO compiled_streams(id, key, source, num_agents, stream, created_at, hits)
		VALUES(?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			id = excluded.id,
			source = excluded.source,
			num_agents = excluded.num_agents,
			stream = excluded.stream,
			created_at = excluded.created_at,
			hits = 0`,
		e.ID, e.Key, e.Source, e.NumAgents, e.Stream, e.CreatedAt.Unix(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("put entry: %w", err)
	}
	e.CreatedAt = time.Unix(e.CreatedAt.Unix(), 0).UTC()
	return e, nil
}

// Get returns the entry for key and counts the hit.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE compiled_streams SET hits = hits + 1 WHERE key = ?`, key)
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, key, source, num_agents, stream, created_at, hits
		FROM compiled_streams WHERE key = ?`,
		key,
	)
	e, err := scanEntry(row.Scan, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// List returns every entry, newest first, without the stream bytes.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, key, source, num_agents, created_at, hits
		FROM compiled_streams ORDER BY created_at DESC, key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows.Scan, false)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM compiled_streams WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

func scanEntry(scan func(dest ...any) error, withStream bool) (Entry, error) {
	var e Entry
	var created int64
	dest := []any{&e.ID, &e.Key, &e.Source, &e.NumAgents}
	if withStream {
		dest = append(dest, &e.Stream)
	}
	dest = append(dest, &created, &e.Hits)
	if err := scan(dest...); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	return e, nil
}
