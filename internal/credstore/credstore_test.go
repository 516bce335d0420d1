package credstore

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opstools/ssh-broker/internal/cryptoutil"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/store"
)

func newTestStore(t *testing.T, keyringAvailable bool) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cipher := cryptoutil.NewCipher("test-passphrase-not-secret")
	return New(db, cipher, keyringAvailable, zerolog.Nop())
}

func TestSaveLoadRoundTripsThroughLocalBackend(t *testing.T) {
	s := newTestStore(t, false)
	cred := models.Credential{Password: "hunter2", Passphrase: "p4ssphrase"}

	s.Save("conn-1", cred)

	loaded := s.Load("conn-1")
	assert.Equal(t, "hunter2", loaded.Password)
	assert.Equal(t, "p4ssphrase", loaded.Passphrase)
}

func TestLoadMissingCredentialReturnsZeroValueNotError(t *testing.T) {
	s := newTestStore(t, false)
	loaded := s.Load("does-not-exist")
	assert.True(t, loaded.IsEmpty())
}

func TestSaveEmptyCredentialIsANoOp(t *testing.T) {
	s := newTestStore(t, false)
	s.Save("conn-1", models.Credential{})
	assert.True(t, s.Load("conn-1").IsEmpty())
}

func TestDeleteEvictsStoredCredential(t *testing.T) {
	s := newTestStore(t, false)
	s.Save("conn-1", models.Credential{Password: "hunter2"})
	require.False(t, s.Load("conn-1").IsEmpty())

	s.Delete("conn-1")

	assert.True(t, s.Load("conn-1").IsEmpty())
}

func TestLocalBackendEncryptsPasswordAtRest(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	defer db.Close()
	cipher := cryptoutil.NewCipher("test-passphrase-not-secret")
	backend := NewLocalBackend(db, cipher)

	require.NoError(t, backend.Save("conn-1", models.Credential{Password: "hunter2"}))

	rec, ok, err := db.GetCredential("conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "hunter2", rec.PasswordEnc)
	assert.NotEmpty(t, rec.PasswordEnc)
}

func TestKeyringBackendAlwaysFailsSoStoreFallsBackToLocal(t *testing.T) {
	assert.False(t, IsKeyringAvailable())

	kb := NewKeyringBackend()
	_, err := kb.Load("conn-1")
	assert.Error(t, err)
	assert.Error(t, kb.Save("conn-1", models.Credential{Password: "x"}))
	assert.Error(t, kb.Delete("conn-1"))
}
