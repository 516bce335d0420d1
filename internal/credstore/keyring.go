package credstore

import (
	"sync"

	"github.com/juju/errors"

	"github.com/opstools/ssh-broker/internal/models"
)

// KeyringBackend targets an OS keyring under the two service names from
// spec.md §4.B (mcp-ssh for passwords, mcp-ssh-passphrase for
// passphrases).
//
// No example repository in this module's reference corpus depends on an
// OS keyring library (no zalando/go-keyring, 99designs/keyring, or
// keybase/go-keychain anywhere in the pack), so there is nothing to ground
// a concrete implementation on. This backend is therefore a documented
// standard-library placeholder: it keeps the Backend contract honest
// (Save/Load/Delete against named keyring services) but every call fails,
// which is safe because credstore.Store always falls back to
// LocalBackend when IsKeyringAvailable reports false — see New in
// credstore.go. Wiring a real keyring library is future work tracked in
// DESIGN.md.
type KeyringBackend struct {
	mu sync.Mutex
}

// NewKeyringBackend constructs the placeholder backend.
func NewKeyringBackend() *KeyringBackend {
	return &KeyringBackend{}
}

// IsKeyringAvailable probes whether an OS keyring service is reachable.
// Always false: see the KeyringBackend doc comment.
func IsKeyringAvailable() bool {
	return false
}

func (k *KeyringBackend) Save(connID string, cred models.Credential) error {
	return errors.NotImplementedf("OS keyring backend")
}

func (k *KeyringBackend) Load(connID string) (models.Credential, error) {
	return models.Credential{}, errors.NotImplementedf("OS keyring backend")
}

func (k *KeyringBackend) Delete(connID string) error {
	return errors.NotImplementedf("OS keyring backend")
}
