// Package dbworker is the database worker: it owns the local mail store and
// serves it to peer workers over dedicated ports. The foreground hands ports
// over and then never touches the traffic.
package dbworker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	name           TEXT PRIMARY KEY,
	uid_validity   INTEGER NOT NULL DEFAULT 0,
	last_synced_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS envelopes (
	id          TEXT PRIMARY KEY,
	folder      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMP,
	flags       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_envelopes_folder ON envelopes(folder);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Folder is one mailbox folder's sync metadata.
type Folder struct {
	Name         string     `db:"name" json:"name"`
	UIDValidity  int64      `db:"uid_validity" json:"uidValidity"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
}

// Envelope is one message's list metadata. Bodies stay out of the store until
// explicitly fetched.
type Envelope struct {
	ID         string     `db:"id" json:"id"`
	Folder     string     `db:"folder" json:"folder"`
	Subject    string     `db:"subject" json:"subject"`
	Sender     string     `db:"sender" json:"sender"`
	ReceivedAt *time.Time `db:"received_at" json:"receivedAt,omitempty"`
	Flags      string     `db:"flags" json:"flags"`
}

// Store is the sqlite-backed mail store.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (creating if needed) the mail store at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mail store: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// contention between port servers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply mail store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertFolder records folder metadata and stamps the sync time.
func (s *Store) UpsertFolder(ctx context.Context, f Folder) error {
	now := time.Now().UTC()
	if f.LastSyncedAt == nil {
		f.LastSyncedAt = &now
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO folders (name, uid_validity, last_synced_at)
		VALUES (:name, :uid_validity, :last_synced_at)
		ON CONFLICT(name) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_synced_at = excluded.last_synced_at`, f)
	if err != nil {
		return fmt.Errorf("upsert folder %q: %w", f.Name, err)
	}
	return nil
}

// ListFolders returns all known folders ordered by name.
func (s *Store) ListFolders(ctx context.Context) ([]Folder, error) {
	var out []Folder
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM folders ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return out, nil
}

// UpsertEnvelope records one message's metadata.
func (s *Store) UpsertEnvelope(ctx context.Context, e Envelope) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO envelopes (id, folder, subject, sender, received_at, flags)
		VALUES (:id, :folder, :subject, :sender, :received_at, :flags)
		ON CONFLICT(id) DO UPDATE SET
			folder = excluded.folder,
			subject = excluded.subject,
			sender = excluded.sender,
			received_at = excluded.received_at,
			flags = excluded.flags`, e)
	if err != nil {
		return fmt.Errorf("upsert envelope %q: %w", e.ID, err)
	}
	return nil
}

// ListEnvelopes returns a folder's messages, newest first.
func (s *Store) ListEnvelopes(ctx context.Context, folder string) ([]Envelope, error) {
	var out []Envelope
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM envelopes WHERE folder = ? ORDER BY received_at DESC, id`, folder)
	if err != nil {
		return nil, fmt.Errorf("list envelopes for %q: %w", folder, err)
	}
	return out, nil
}

// SyncState reads one sync-state value; missing keys return "".
func (s *Store) SyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read sync state %q: %w", key, err)
	}
	return value, nil
}

// SetSyncState writes one sync-state value.
func (s *Store) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write sync state %q: %w", key, err)
	}
	return nil
}
