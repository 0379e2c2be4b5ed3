package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"e2e_relay/internal/model"
)

// ErrInvalidPeerKey is returned for public keys that are not 32 bytes or that
// lie in a small subgroup.
var ErrInvalidPeerKey = errors.New("invalid peer public key")

// NewX25519KeyPair generates a new X25519 key pair.
func NewX25519KeyPair() (model.KeyPair, error) {
	var kp model.KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519SharedSecret performs priv * peerPub. curve25519.X25519 refuses
// low-order points because their product with a clamped scalar is zero.
func X25519SharedSecret(priv [32]byte, peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPeerKey, len(peerPub))
	}
	secret, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return secret, nil
}

// probeScalar is any non-zero scalar; clamping makes every low-order point
// map to zero regardless of its value.
var probeScalar = [32]byte{1}

// ValidatePublicKey reports whether pub is usable for key agreement without
// holding the matching private key. The relay uses it on announced keys.
func ValidatePublicKey(pub []byte) error {
	_, err := X25519SharedSecret(probeScalar, pub)
	return err
}
