// Package credstore implements the Credential Store (spec.md §4.B): a
// (connectionId -> {password?, passphrase?}) record persisted outside the
// main connection document when an OS keyring is available, or in an
// encrypted local collection otherwise. Credential retrieval failure is
// never fatal to callers.
package credstore

import (
	"github.com/rs/zerolog"

	"github.com/opstools/ssh-broker/internal/cryptoutil"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/store"
)

const (
	keyringServicePassword  = "mcp-ssh"
	keyringServicePassphrase = "mcp-ssh-passphrase"
)

// Backend is the pluggable persistence strategy for credentials.
type Backend interface {
	Save(connID string, cred models.Credential) error
	Load(connID string) (models.Credential, error)
	Delete(connID string) error
}

// Store is the Credential Store facade used by the rest of the broker. It
// always has a usable Backend: keyring when available, otherwise the
// encrypted local collection.
type Store struct {
	backend Backend
	log     zerolog.Logger
}

// New selects a backend. When the OS keyring is reachable (probed once at
// startup by the caller via IsKeyringAvailable), prefer it; otherwise fall
// back to the encrypted local collection backed by db and cipher.
func New(db *store.Store, cipher *cryptoutil.Cipher, keyringAvailable bool, log zerolog.Logger) *Store {
	var backend Backend
	if keyringAvailable {
		backend = NewKeyringBackend()
	} else {
		backend = NewLocalBackend(db, cipher)
	}
	return &Store{backend: backend, log: log}
}

// Save persists password/passphrase for a connection. Errors are logged,
// never returned as fatal — callers always have the config-supplied
// secrets to fall back to.
func (s *Store) Save(connID string, cred models.Credential) {
	if cred.IsEmpty() {
		return
	}
	if err := s.backend.Save(connID, cred); err != nil {
		s.log.Warn().Err(err).Str("conn_id", connID).Msg("credential save failed, continuing without persistence")
	}
}

// Load retrieves a stored credential. A failure (including "not found")
// yields a zero-value Credential and no error: callers must treat absence
// the same as a retrieval failure and fall back to config-supplied
// secrets.
func (s *Store) Load(connID string) models.Credential {
	cred, err := s.backend.Load(connID)
	if err != nil {
		s.log.Debug().Err(err).Str("conn_id", connID).Msg("credential load failed")
		return models.Credential{}
	}
	return cred
}

// Delete evicts any stored credential for connID. Errors are logged only.
func (s *Store) Delete(connID string) {
	if err := s.backend.Delete(connID); err != nil {
		s.log.Warn().Err(err).Str("conn_id", connID).Msg("credential delete failed")
	}
}
