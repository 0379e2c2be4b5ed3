// Package packet implements the relay's binary framing: a fixed header
// followed by a length-delimited, optionally compressed payload.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"e2e_relay/internal/model"
)

type Packet struct {
	Flags       Flags
	MessageType MessageType
	ChatType    model.ChatType
	ChatID      uint32
	Payload     []byte
}

// Encode serializes one packet. Cleartext payloads above CompressThreshold
// are compressed and flagged; encrypted payloads are never compressed.
func Encode(flags Flags, mt MessageType, ct model.ChatType, chatID uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	flags &^= FlagCompressed
	if !flags.Has(FlagEncrypted) && len(payload) > CompressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		payload = compressed
		flags |= FlagCompressed
	}

	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(flags)
	buf[1] = byte(mt)
	buf[2] = byte(ct)
	binary.BigEndian.PutUint32(buf[3:7], chatID)
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

func (p *Packet) Encode() ([]byte, error) {
	return Encode(p.Flags, p.MessageType, p.ChatType, p.ChatID, p.Payload)
}

// Decode parses one packet from the start of b. Bytes after the declared
// payload are ignored. The returned Flags keep COMPRESSED set when the
// payload arrived compressed; Payload is always the decompressed bytes.
func Decode(b []byte) (*Packet, error) {
	p, n, err := parseHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b)-HeaderSize < n {
		return nil, ErrTruncatedPayload
	}

	payload := make([]byte, n)
	copy(payload, b[HeaderSize:HeaderSize+n])
	if err := p.setPayload(payload); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadPacket reads exactly one packet from r, blocking until the whole
// declared payload has arrived. A clean close before any header byte
// returns io.EOF.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedHeader
		}
		return nil, err
	}

	p, n, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedPayload
		}
		return nil, err
	}

	if err := p.setPayload(payload); err != nil {
		return nil, err
	}
	return p, nil
}

// WritePacket encodes p and writes it to w in a single Write call.
func WritePacket(w io.Writer, p *Packet) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func parseHeader(b []byte) (*Packet, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, ErrTruncatedHeader
	}
	p := &Packet{
		Flags:       Flags(b[0]),
		MessageType: MessageType(b[1]),
		ChatType:    model.ChatType(b[2]),
		ChatID:      binary.BigEndian.Uint32(b[3:7]),
	}
	n := binary.BigEndian.Uint32(b[7:11])
	if n > MaxPayloadSize {
		return nil, 0, ErrPayloadTooLarge
	}
	return p, int(n), nil
}

func (p *Packet) setPayload(payload []byte) error {
	if p.Flags.Has(FlagCompressed) {
		if p.Flags.Has(FlagEncrypted) {
			return fmt.Errorf("%w: compressed and encrypted", ErrCorruptPayload)
		}
		plain, err := decompress(payload)
		if err != nil {
			return err
		}
		payload = plain
	}
	p.Payload = payload
	return nil
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if len(out) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}
