// Package store is the broker's persistence layer: a document store for
// non-secret connection records, and (when the OS keyring is unavailable)
// an encrypted fallback collection for credentials. Adapted from the
// teacher's internal/config.Manager, which used a single JSON file;
// this port follows addspin-tlss's jmoiron/sqlx pattern over the pure-Go
// modernc.org/sqlite driver so that both collections share one
// transactionally-consistent file under the data directory.
package store

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	username TEXT NOT NULL,
	private_key TEXT,
	last_used DATETIME,
	tags TEXT
);

CREATE TABLE IF NOT EXISTS credentials (
	connection_id TEXT PRIMARY KEY,
	password_enc TEXT,
	private_key_enc TEXT,
	passphrase_enc TEXT
);
`

// ConnectionRecord is the non-secret persisted form of a Connection.
type ConnectionRecord struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	Host       string    `db:"host"`
	Port       int       `db:"port"`
	Username   string    `db:"username"`
	PrivateKey string    `db:"private_key"`
	LastUsed   time.Time `db:"last_used"`
	Tags       string    `db:"tags"` // comma-joined
}

// CredentialRecord is the encrypted-at-rest fallback credential row, used
// only when the OS keyring backend is unavailable (spec.md §4.B).
type CredentialRecord struct {
	ConnectionID  string `db:"connection_id"`
	PasswordEnc   string `db:"password_enc"`
	PrivateKeyEnc string `db:"private_key_enc"`
	PassphraseEnc string `db:"passphrase_enc"`
}

// Store wraps a sqlx.DB with the broker's two collections.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite-backed store at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, errors.Annotate(err, "open connections database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertConnection inserts or replaces a ConnectionRecord.
func (s *Store) UpsertConnection(r ConnectionRecord) error {
	_, err := s.db.NamedExec(`
		INSERT INTO connections (id, name, host, port, username, private_key, last_used, tags)
		VALUES (:id, :name, :host, :port, :username, :private_key, :last_used, :tags)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, host=excluded.host, port=excluded.port,
			username=excluded.username, private_key=excluded.private_key,
			last_used=excluded.last_used, tags=excluded.tags
	`, r)
	if err != nil {
		return errors.Annotate(err, "upsert connection")
	}
	return nil
}

// DeleteConnection removes a connection record by id.
func (s *Store) DeleteConnection(id string) error {
	_, err := s.db.Exec(`DELETE FROM connections WHERE id = ?`, id)
	return errors.Annotate(err, "delete connection")
}

// ListConnections returns every persisted connection record.
func (s *Store) ListConnections() ([]ConnectionRecord, error) {
	var recs []ConnectionRecord
	if err := s.db.Select(&recs, `SELECT * FROM connections`); err != nil {
		return nil, errors.Annotate(err, "list connections")
	}
	return recs, nil
}

// GetConnection fetches a single connection record.
func (s *Store) GetConnection(id string) (ConnectionRecord, bool, error) {
	var rec ConnectionRecord
	err := s.db.Get(&rec, `SELECT * FROM connections WHERE id = ?`, id)
	if err != nil {
		if errors.Cause(err).Error() == "sql: no rows in result set" {
			return ConnectionRecord{}, false, nil
		}
		return ConnectionRecord{}, false, errors.Annotate(err, "get connection")
	}
	return rec, true, nil
}

// UpsertCredential inserts or replaces the encrypted fallback credential
// row for a connection.
func (s *Store) UpsertCredential(r CredentialRecord) error {
	_, err := s.db.NamedExec(`
		INSERT INTO credentials (connection_id, password_enc, private_key_enc, passphrase_enc)
		VALUES (:connection_id, :password_enc, :private_key_enc, :passphrase_enc)
		ON CONFLICT(connection_id) DO UPDATE SET
			password_enc=excluded.password_enc, private_key_enc=excluded.private_key_enc,
			passphrase_enc=excluded.passphrase_enc
	`, r)
	return errors.Annotate(err, "upsert credential")
}

// GetCredential fetches the encrypted fallback credential row.
func (s *Store) GetCredential(connID string) (CredentialRecord, bool, error) {
	var rec CredentialRecord
	err := s.db.Get(&rec, `SELECT * FROM credentials WHERE connection_id = ?`, connID)
	if err != nil {
		if errors.Cause(err).Error() == "sql: no rows in result set" {
			return CredentialRecord{}, false, nil
		}
		return CredentialRecord{}, false, errors.Annotate(err, "get credential")
	}
	return rec, true, nil
}

// DeleteCredential removes the encrypted fallback credential row.
func (s *Store) DeleteCredential(connID string) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE connection_id = ?`, connID)
	return errors.Annotate(err, "delete credential")
}
