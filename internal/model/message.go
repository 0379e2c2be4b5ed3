package model

import "time"

type (
	// Message is one entry of a chat's append-only log. Payload holds the
	// plaintext for cleartext chats and the sealed bytes when Encrypted.
	Message struct {
		ChatID    uint32    `json:"chat_id" bson:"chat_id"`
		Sequence  uint64    `json:"sequence" bson:"sequence"`
		Sender    string    `json:"sender" bson:"sender"`
		Payload   []byte    `json:"payload" bson:"payload"`
		Encrypted bool      `json:"encrypted" bson:"encrypted"`
		SentAt    time.Time `json:"sent_at" bson:"sent_at"`
	}
)
