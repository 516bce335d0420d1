package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("a passphrase under 32 bytes")
	ciphertext, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", ciphertext)

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	c1 := NewCipher("key-one-used-to-encrypt-the-data")
	c2 := NewCipher("key-two-totally-different-value!")

	ciphertext, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptTooShortCiphertext(t *testing.T) {
	c := NewCipher("some passphrase")
	_, err := c.Decrypt("aabbcc")
	assert.Error(t, err)
}
