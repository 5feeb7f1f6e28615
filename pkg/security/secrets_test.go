package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVaultFromPassphrase("correct-horse-battery-staple")
	require.NoError(t, err)

	plaintext := []byte(`{"username":"admin","password":"s3cret"}`)
	ciphertext, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestVaultRejectsShortKey(t *testing.T) {
	_, err := NewVault([]byte("too-short"))
	assert.Error(t, err)
}

func TestVaultDecryptRejectsTruncatedCiphertext(t *testing.T) {
	v, err := NewVaultFromPassphrase("another-passphrase")
	require.NoError(t, err)

	_, err = v.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestDeriveKeyFromSeedIsDeterministic(t *testing.T) {
	k1 := DeriveKeyFromSeed("cluster-a")
	k2 := DeriveKeyFromSeed("cluster-a")
	k3 := DeriveKeyFromSeed("cluster-b")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)
}
