package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioneyes/claimsync/internal/crypto"
)

func TestSealOpenRoundtrip(t *testing.T) {
	key, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)

	plaintext := []byte(`{"access_token":"abc"}`)
	sealed, err := crypto.Seal(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := crypto.Open(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealProducesUniqueNonces(t *testing.T) {
	key, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)

	a, err := crypto.Seal([]byte("same input"), key)
	require.NoError(t, err)
	b, err := crypto.Seal([]byte("same input"), key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTampering(t *testing.T) {
	key, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)

	sealed, err := crypto.Seal([]byte("payload"), key)
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = crypto.Open(sealed, key)
	assert.ErrorIs(t, err, crypto.ErrDecryptFailed)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)
	other, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)

	sealed, err := crypto.Seal([]byte("payload"), key)
	require.NoError(t, err)

	_, err = crypto.Open(sealed, other)
	assert.ErrorIs(t, err, crypto.ErrDecryptFailed)
}

func TestInvalidKeySize(t *testing.T) {
	_, err := crypto.Seal([]byte("payload"), []byte("short"))
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)

	_, err = crypto.Open([]byte("whatever"), []byte("short"))
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	key, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)

	_, err = crypto.Open([]byte{1, 2, 3}, key)
	assert.ErrorIs(t, err, crypto.ErrCiphertextShort)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	seed, err := crypto.NewKeyMaterial(crypto.KeySize)
	require.NoError(t, err)
	salt, err := crypto.NewKeyMaterial(crypto.SaltSize)
	require.NoError(t, err)

	a := crypto.DeriveKey(seed, salt)
	b := crypto.DeriveKey(seed, salt)
	assert.Equal(t, a, b)
	assert.Len(t, a, crypto.KeySize)

	otherSalt, err := crypto.NewKeyMaterial(crypto.SaltSize)
	require.NoError(t, err)
	assert.NotEqual(t, a, crypto.DeriveKey(seed, otherSalt))
}
