// Package persistence provides SQLite-backed durable storage for workflow
// contexts. Each Store owns its own database handle; multiple independent
// stores can coexist in one process.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
	"conductor/pkg/wfcontext"
)

// ErrNotFound is returned by Load when no context exists for the given id.
var ErrNotFound = errors.New("context not found")

// sqlTime renders a timestamp in the text form SQLite's date functions parse.
// Binding time.Time directly stores Go's String() form, which julianday()
// cannot read.
func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.999")
}

// Store is a durable key-value store for serialized contexts, addressed by
// context id. Live contexts sit in the contexts table; archived ones move to
// archived_contexts and become read-only.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	id          TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	ttl_seconds REAL NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS archived_contexts (
	id          TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	archived_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contexts_created ON contexts(created_at);
`

// Open opens (creating if needed) a context store at dbPath.
func Open(dbPath string) (*Store, error) {
	// WAL mode and busy timeout for concurrent readers with a single writer
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("Context store opened: %s", dbPath)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Save upserts the serialized context under its id.
func (s *Store) Save(c *wfcontext.Context) error {
	payload, err := c.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize context %s: %w", c.ID(), err)
	}

	meta := c.Meta()
	_, err = s.db.Exec(`
		INSERT INTO contexts (id, payload, owner, created_at, ttl_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.ID(), payload, meta.Owner, sqlTime(meta.CreatedAt), meta.TTL.Seconds(), sqlTime(meta.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save context %s: %w", c.ID(), err)
	}

	s.logger.Debug("Saved context %s (version %d)", c.ID(), meta.Version)
	return nil
}

// Load reads a live context by id. Missing ids fail with ErrNotFound.
func (s *Store) Load(id string) (*wfcontext.Context, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM contexts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context %s: %w", id, err)
	}

	c, err := wfcontext.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode context %s: %w", id, err)
	}
	return c, nil
}

// Delete removes a live context. Deleting a missing id is not an error.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM contexts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete context %s: %w", id, err)
	}
	return nil
}

// ListExpired returns the ids of live contexts whose TTL has elapsed.
// Zero TTL means no expiry.
func (s *Store) ListExpired(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM contexts
		WHERE ttl_seconds > 0
		  AND (julianday(?) - julianday(created_at)) * 86400.0 > ttl_seconds`,
		sqlTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired contexts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired context id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired contexts: %w", err)
	}
	return ids, nil
}

// Archive moves a context from the live table to cold storage in a single
// transaction. The archived copy carries the archived flag so it deserializes
// read-only.
func (s *Store) Archive(c *wfcontext.Context) error {
	c.MarkArchived()

	payload, err := c.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize context %s for archive: %w", c.ID(), err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	meta := c.Meta()
	if _, err := tx.Exec(`
		INSERT INTO archived_contexts (id, payload, owner, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, archived_at = excluded.archived_at`,
		c.ID(), payload, meta.Owner, sqlTime(meta.CreatedAt), sqlTime(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to archive context %s: %w", c.ID(), err)
	}
	if _, err := tx.Exec(`DELETE FROM contexts WHERE id = ?`, c.ID()); err != nil {
		return fmt.Errorf("failed to remove live context %s: %w", c.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive of %s: %w", c.ID(), err)
	}

	s.logger.Info("Archived context %s", c.ID())
	return nil
}

// LoadArchived reads a context from cold storage by id.
func (s *Store) LoadArchived(id string) (*wfcontext.Context, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM archived_contexts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archived context %s: %w", id, err)
	}

	c, err := wfcontext.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode archived context %s: %w", id, err)
	}
	return c, nil
}

// ListLive returns the ids of all live contexts, newest first.
func (s *Store) ListLive() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM contexts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan context id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contexts: %w", err)
	}
	return ids, nil
}
