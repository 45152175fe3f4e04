package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_SealOpen(t *testing.T) {
	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"), "wallet-keys")
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("secret key bytes"), []byte("wallet-1"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret")

	plain, err := c.Open(sealed, []byte("wallet-1"))
	require.NoError(t, err)
	assert.Equal(t, "secret key bytes", string(plain))
}

func TestCipher_OpenRejectsWrongOwner(t *testing.T) {
	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"), "wallet-keys")
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("secret"), []byte("wallet-1"))
	require.NoError(t, err)

	_, err = c.Open(sealed, []byte("wallet-2"))
	assert.Error(t, err)
}

func TestCipher_PurposeSeparatesKeys(t *testing.T) {
	master := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewCipher(master, "wallet-keys")
	require.NoError(t, err)
	b, err := NewCipher(master, "treasury-keys")
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"), nil)
	require.NoError(t, err)

	_, err = b.Open(sealed, nil)
	assert.Error(t, err)
}

func TestNewCipher_ShortSecret(t *testing.T) {
	_, err := NewCipher([]byte("short"), "x")
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
