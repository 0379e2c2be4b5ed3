package dh

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 7748 section 6.1.
func TestX25519KnownVector(t *testing.T) {
	alicePriv := [32]byte(mustHex(t, "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"))
	bobPriv := [32]byte(mustHex(t, "5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb"))
	alicePub := mustHex(t, "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a")
	bobPub := mustHex(t, "de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f")
	want := mustHex(t, "4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742")

	s1, err := X25519SharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	s2, err := X25519SharedSecret(bobPriv, alicePub)
	require.NoError(t, err)

	assert.Equal(t, want, s1)
	assert.Equal(t, want, s2)
}

func TestSharedSecretSymmetry(t *testing.T) {
	for i := 0; i < 20; i++ {
		a, err := NewX25519KeyPair()
		require.NoError(t, err)
		b, err := NewX25519KeyPair()
		require.NoError(t, err)

		ab, err := X25519SharedSecret(a.Private, b.Public[:])
		require.NoError(t, err)
		ba, err := X25519SharedSecret(b.Private, a.Public[:])
		require.NoError(t, err)

		require.Len(t, ab, 32)
		require.Equal(t, ab, ba)
	}
}

func TestKeyPairsAreFresh(t *testing.T) {
	a, err := NewX25519KeyPair()
	require.NoError(t, err)
	b, err := NewX25519KeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a.Private, b.Private)
	assert.NotEqual(t, a.Public, b.Public)
}

func TestInvalidPeerKeys(t *testing.T) {
	kp, err := NewX25519KeyPair()
	require.NoError(t, err)

	one := make([]byte, 32)
	one[0] = 1

	tests := []struct {
		name string
		pub  []byte
	}{
		{name: "nil", pub: nil},
		{name: "short", pub: make([]byte, 31)},
		{name: "long", pub: make([]byte, 33)},
		{name: "zero point", pub: make([]byte, 32)},
		{name: "order four point", pub: one},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := X25519SharedSecret(kp.Private, tt.pub)
			require.ErrorIs(t, err, ErrInvalidPeerKey)
			require.ErrorIs(t, ValidatePublicKey(tt.pub), ErrInvalidPeerKey)
		})
	}

	require.NoError(t, ValidatePublicKey(kp.Public[:]))
}
