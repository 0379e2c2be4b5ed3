package kdf

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

const chatKeyInfo = "e2e_relay chat key"

// HKDF fills buffer from HKDF-SHA256 over secret.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// ChatKey binds a key-agreement output to one chat id so that two users
// sharing several private chats never encrypt under the same key.
func ChatKey(sharedSecret []byte, chatID uint32) ([]byte, error) {
	info := make([]byte, len(chatKeyInfo)+4)
	copy(info, chatKeyInfo)
	binary.BigEndian.PutUint32(info[len(chatKeyInfo):], chatID)

	key := make([]byte, 32)
	if _, err := HKDF(sharedSecret, nil, info, key); err != nil {
		return nil, err
	}
	return key, nil
}
