package packet

import (
	"encoding/binary"
	"fmt"
)

// EncodeKeyExchange builds a KEY_EXCHANGE payload: public_key_length:4 | public_key.
func EncodeKeyExchange(publicKey []byte) []byte {
	buf := make([]byte, 4+len(publicKey))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(publicKey)))
	copy(buf[4:], publicKey)
	return buf
}

func DecodeKeyExchange(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: key exchange shorter than length prefix", ErrMalformedPayload)
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint64(n) > uint64(len(payload)-4) {
		return nil, fmt.Errorf("%w: key exchange declares %d key bytes, has %d", ErrMalformedPayload, n, len(payload)-4)
	}
	key := make([]byte, n)
	copy(key, payload[4:4+n])
	return key, nil
}

type NoticeKind uint8

const (
	// NoticeWelcome carries the connection's user id.
	NoticeWelcome  NoticeKind = 0x01
	NoticeRejected NoticeKind = 0x02
	NoticeError    NoticeKind = 0x03
)

// Notice is the payload of a SYSTEM|TEXT packet sent by the relay.
type Notice struct {
	Kind NoticeKind
	Text string
}

func (n Notice) Encode() []byte {
	return append([]byte{byte(n.Kind)}, n.Text...)
}

func DecodeNotice(payload []byte) (Notice, error) {
	if len(payload) < 1 {
		return Notice{}, fmt.Errorf("%w: empty notice", ErrMalformedPayload)
	}
	return Notice{Kind: NoticeKind(payload[0]), Text: string(payload[1:])}, nil
}

type JoinStatus uint8

const (
	JoinOK       JoinStatus = 0x00
	JoinDenied   JoinStatus = 0x01
	JoinNotFound JoinStatus = 0x02
)

func (s JoinStatus) String() string {
	switch s {
	case JoinOK:
		return "ok"
	case JoinDenied:
		return "denied"
	case JoinNotFound:
		return "not found"
	default:
		return fmt.Sprintf("join_status(%d)", uint8(s))
	}
}

// JoinResult is the payload of a SYSTEM|JOIN_REQUEST reply: status:1 | name.
type JoinResult struct {
	Status JoinStatus
	Name   string
}

func (r JoinResult) Encode() []byte {
	return append([]byte{byte(r.Status)}, r.Name...)
}

func DecodeJoinResult(payload []byte) (JoinResult, error) {
	if len(payload) < 1 {
		return JoinResult{}, fmt.Errorf("%w: empty join result", ErrMalformedPayload)
	}
	return JoinResult{Status: JoinStatus(payload[0]), Name: string(payload[1:])}, nil
}
