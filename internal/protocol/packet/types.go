package packet

import (
	"errors"
	"fmt"
)

// Wire layout, network byte order:
//
//	0      flags
//	1      message type
//	2      chat type
//	3..6   chat id
//	7..10  payload length
//	11..   payload
const (
	HeaderSize = 11

	MaxPayloadSize = 16 << 20

	// CompressThreshold is the largest cleartext payload sent uncompressed.
	CompressThreshold = 64
)

type Flags uint8

const (
	FlagCompressed Flags = 0x01
	FlagEncrypted  Flags = 0x02
	FlagSystem     Flags = 0x04
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

type MessageType uint8

const (
	MessageTypeText        MessageType = 0x01
	MessageTypeKeyExchange MessageType = 0x02
	MessageTypeJoinRequest MessageType = 0x03
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeText:
		return "text"
	case MessageTypeKeyExchange:
		return "key_exchange"
	case MessageTypeJoinRequest:
		return "join_request"
	default:
		return fmt.Sprintf("message_type(%d)", uint8(t))
	}
}

var (
	// ErrProtocol is the parent of every error after which the byte stream
	// can no longer be trusted to be framed correctly.
	ErrProtocol = errors.New("protocol error")

	ErrTruncatedHeader  = fmt.Errorf("%w: truncated header", ErrProtocol)
	ErrTruncatedPayload = fmt.Errorf("%w: truncated payload", ErrProtocol)
	ErrPayloadTooLarge  = fmt.Errorf("%w: payload too large", ErrProtocol)
	ErrCorruptPayload   = fmt.Errorf("%w: corrupt compressed payload", ErrProtocol)

	// ErrMalformedPayload reports a well-framed packet whose payload does not
	// match its message type. Framing is intact so the stream stays usable.
	ErrMalformedPayload = errors.New("malformed payload")
)
