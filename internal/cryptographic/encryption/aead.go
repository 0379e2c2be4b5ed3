package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
	KeySize   = chacha20poly1305.KeySize
)

var (
	// ErrAuthenticationFailed covers tampered ciphertext, a wrong key and
	// input too short to hold a nonce and tag.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrKeyTooShort          = errors.New("key shorter than 32 bytes")
)

// Seal encrypts plaintext with ChaCha20-Poly1305 under key[:32] and returns
// nonce || ciphertext || tag. Every call draws a fresh random nonce.
func Seal(plaintext, key []byte) ([]byte, error) {
	if len(key) < KeySize {
		return nil, ErrKeyTooShort
	}
	aead, err := chacha20poly1305.New(key[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.New: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	if len(key) < KeySize {
		return nil, ErrKeyTooShort
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrAuthenticationFailed
	}
	aead, err := chacha20poly1305.New(key[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.New: %w", err)
	}

	plain, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}
