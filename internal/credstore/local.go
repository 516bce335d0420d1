package credstore

import (
	"github.com/juju/errors"

	"github.com/opstools/ssh-broker/internal/cryptoutil"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/store"
)

// LocalBackend stores credentials AES-256-GCM-encrypted in the same
// sqlite-backed store used for the non-secret connection collection (a
// separate table, per spec.md §4.B "persisted outside the main DB ... or
// in an encrypted collection alongside connections").
type LocalBackend struct {
	db     *store.Store
	cipher *cryptoutil.Cipher
}

// NewLocalBackend builds a LocalBackend over db, encrypting with cipher.
func NewLocalBackend(db *store.Store, cipher *cryptoutil.Cipher) *LocalBackend {
	return &LocalBackend{db: db, cipher: cipher}
}

func (b *LocalBackend) Save(connID string, cred models.Credential) error {
	rec := store.CredentialRecord{ConnectionID: connID}
	if cred.Password != "" {
		enc, err := b.cipher.Encrypt(cred.Password)
		if err != nil {
			return errors.Annotate(err, "encrypt password")
		}
		rec.PasswordEnc = enc
	}
	if cred.PrivateKey != "" {
		enc, err := b.cipher.Encrypt(cred.PrivateKey)
		if err != nil {
			return errors.Annotate(err, "encrypt private key")
		}
		rec.PrivateKeyEnc = enc
	}
	if cred.Passphrase != "" {
		enc, err := b.cipher.Encrypt(cred.Passphrase)
		if err != nil {
			return errors.Annotate(err, "encrypt passphrase")
		}
		rec.PassphraseEnc = enc
	}
	return b.db.UpsertCredential(rec)
}

func (b *LocalBackend) Load(connID string) (models.Credential, error) {
	rec, ok, err := b.db.GetCredential(connID)
	if err != nil {
		return models.Credential{}, err
	}
	if !ok {
		return models.Credential{}, errors.NotFoundf("credential for %s", connID)
	}
	cred := models.Credential{ConnectionID: connID}
	if rec.PasswordEnc != "" {
		pw, err := b.cipher.Decrypt(rec.PasswordEnc)
		if err != nil {
			return models.Credential{}, errors.Annotate(err, "decrypt password")
		}
		cred.Password = pw
	}
	if rec.PrivateKeyEnc != "" {
		pk, err := b.cipher.Decrypt(rec.PrivateKeyEnc)
		if err != nil {
			return models.Credential{}, errors.Annotate(err, "decrypt private key")
		}
		cred.PrivateKey = pk
	}
	if rec.PassphraseEnc != "" {
		pp, err := b.cipher.Decrypt(rec.PassphraseEnc)
		if err != nil {
			return models.Credential{}, errors.Annotate(err, "decrypt passphrase")
		}
		cred.Passphrase = pp
	}
	return cred, nil
}

func (b *LocalBackend) Delete(connID string) error {
	return b.db.DeleteCredential(connID)
}
