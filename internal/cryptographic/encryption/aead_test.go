package encryption

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T, n int) []byte {
	t.Helper()
	k := make([]byte, n)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestSealOpen(t *testing.T) {
	key := newKey(t, KeySize)

	for _, msg := range [][]byte{nil, []byte("hello"), bytes.Repeat([]byte{0xAB}, 70000)} {
		sealed, err := Seal(msg, key)
		require.NoError(t, err)
		require.Len(t, sealed, NonceSize+len(msg)+TagSize)

		plain, err := Open(sealed, key)
		require.NoError(t, err)
		require.True(t, bytes.Equal(msg, plain))
	}
}

func TestSealUsesFirst32KeyBytes(t *testing.T) {
	key := newKey(t, 64)

	sealed, err := Seal([]byte("prefix"), key)
	require.NoError(t, err)

	plain, err := Open(sealed, key[:KeySize])
	require.NoError(t, err)
	assert.Equal(t, []byte("prefix"), plain)
}

func TestOpenDetectsEveryBitFlip(t *testing.T) {
	key := newKey(t, KeySize)
	sealed, err := Seal([]byte("attack at dawn"), key)
	require.NoError(t, err)

	for i := 0; i < len(sealed)*8; i++ {
		tampered := append([]byte(nil), sealed...)
		tampered[i/8] ^= 1 << (i % 8)

		_, err := Open(tampered, key)
		require.ErrorIs(t, err, ErrAuthenticationFailed, "bit %d", i)
	}
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal([]byte("hello"), newKey(t, KeySize))
	require.NoError(t, err)

	_, err = Open(sealed, newKey(t, KeySize))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestOpenShortInput(t *testing.T) {
	_, err := Open(make([]byte, NonceSize+TagSize-1), newKey(t, KeySize))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestShortKey(t *testing.T) {
	_, err := Seal([]byte("x"), make([]byte, 16))
	require.ErrorIs(t, err, ErrKeyTooShort)
	_, err = Open(make([]byte, 64), make([]byte, 16))
	require.ErrorIs(t, err, ErrKeyTooShort)
}

func TestNoncesNeverRepeat(t *testing.T) {
	key := newKey(t, KeySize)
	seen := make(map[[NonceSize]byte]struct{})

	for i := 0; i < 10000; i++ {
		sealed, err := Seal([]byte("same message"), key)
		require.NoError(t, err)

		var nonce [NonceSize]byte
		copy(nonce[:], sealed[:NonceSize])
		_, dup := seen[nonce]
		require.False(t, dup, "nonce repeated after %d seals", i)
		seen[nonce] = struct{}{}
	}
}
