// Package cryptoutil provides the AES-256-GCM cipher used by the
// Credential Store's local encrypted collection (spec.md §4.B) when no OS
// keyring is available. Adapted from the teacher application's
// internal/crypto package.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/juju/errors"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// Cipher is an AES-256-GCM cipher bound to one key.
type Cipher struct {
	key []byte
}

// NewCipher derives a Cipher from passphrase, padding with zero bytes if
// too short and truncating if too long so the key is always KeySize bytes.
func NewCipher(passphrase string) *Cipher {
	if len(passphrase) < KeySize {
		key := make([]byte, KeySize)
		copy(key, []byte(passphrase))
		return &Cipher{key: key}
	}
	return &Cipher{key: []byte(passphrase)[:KeySize]}
}

// Encrypt returns ciphertext as hex(nonce || sealed).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Annotate(err, "create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Annotate(err, "create GCM mode")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Annotate(err, "generate nonce")
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, sealed...)
	return hex.EncodeToString(combined), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encryptedHex string) (string, error) {
	combined, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", errors.Annotate(err, "decode hex")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Annotate(err, "create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Annotate(err, "create GCM mode")
	}
	if len(combined) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Annotate(err, "decrypt")
	}
	return string(plaintext), nil
}
