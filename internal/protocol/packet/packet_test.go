package packet

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_relay/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte("compressible "), 40)
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	tests := []struct {
		name           string
		flags          Flags
		payload        []byte
		wantCompressed bool
	}{
		{name: "empty payload", payload: nil},
		{name: "short text", payload: []byte("hello")},
		{name: "exactly threshold", payload: bytes.Repeat([]byte{'a'}, CompressThreshold)},
		{name: "one past threshold", payload: bytes.Repeat([]byte{'a'}, CompressThreshold+1), wantCompressed: true},
		{name: "long text", payload: long, wantCompressed: true},
		{name: "system long text", flags: FlagSystem, payload: long, wantCompressed: true},
		{name: "encrypted long payload", flags: FlagEncrypted, payload: random},
		{name: "encrypted with stray compressed flag", flags: FlagEncrypted | FlagCompressed, payload: random},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.flags, MessageTypeText, model.ChatTypeGroup, 0xDEADBEEF, tt.payload)
			require.NoError(t, err)

			flags := Flags(b[0])
			assert.Equal(t, tt.wantCompressed, flags.Has(FlagCompressed))
			assert.False(t, flags.Has(FlagCompressed) && flags.Has(FlagEncrypted))
			if !tt.wantCompressed {
				assert.Len(t, b, HeaderSize+len(tt.payload))
			}

			p, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, MessageTypeText, p.MessageType)
			assert.Equal(t, model.ChatTypeGroup, p.ChatType)
			assert.Equal(t, uint32(0xDEADBEEF), p.ChatID)
			assert.Equal(t, tt.flags.Has(FlagEncrypted), p.Flags.Has(FlagEncrypted))
			assert.Equal(t, tt.flags.Has(FlagSystem), p.Flags.Has(FlagSystem))
			assert.True(t, bytes.Equal(tt.payload, p.Payload), "payload changed in round trip")
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	b, err := Encode(FlagSystem, MessageTypeKeyExchange, model.ChatTypePrivate, 0x01020304, []byte{9, 9})
	require.NoError(t, err)

	want := []byte{0x04, 0x02, 0x01, 0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x00, 0x02, 9, 9}
	assert.Equal(t, want, b)
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(FlagEncrypted, MessageTypeText, model.ChatTypePrivate, 1, make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(0, MessageTypeText, model.ChatTypeGroup, 7, []byte("hello world"))
	require.NoError(t, err)

	oversized := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(oversized[7:11], MaxPayloadSize+1)

	corrupt := make([]byte, HeaderSize+4)
	corrupt[0] = byte(FlagCompressed)
	binary.BigEndian.PutUint32(corrupt[7:11], 4)
	copy(corrupt[HeaderSize:], "nope")

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "empty", in: nil, want: ErrTruncatedHeader},
		{name: "short header", in: valid[:HeaderSize-1], want: ErrTruncatedHeader},
		{name: "short payload", in: valid[:len(valid)-1], want: ErrTruncatedPayload},
		{name: "oversized length", in: oversized, want: ErrPayloadTooLarge},
		{name: "corrupt compressed", in: corrupt, want: ErrCorruptPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	b, err := Encode(0, MessageTypeText, model.ChatTypeGroup, 7, []byte("first"))
	require.NoError(t, err)
	b = append(b, 0xFF, 0xFF)

	p, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), p.Payload)
}

// oneByteReader forces ReadPacket to loop until the declared length arrives.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadPacketStream(t *testing.T) {
	var stream bytes.Buffer
	texts := []string{"a", string(bytes.Repeat([]byte("b"), 500)), "c"}
	for i, text := range texts {
		require.NoError(t, WritePacket(&stream, &Packet{
			MessageType: MessageTypeText,
			ChatType:    model.ChatTypeGroup,
			ChatID:      uint32(i + 1),
			Payload:     []byte(text),
		}))
	}

	r := oneByteReader{r: &stream}
	for i, text := range texts {
		p, err := ReadPacket(r)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), p.ChatID)
		assert.Equal(t, text, string(p.Payload))
	}

	_, err := ReadPacket(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadPacketTruncated(t *testing.T) {
	b, err := Encode(0, MessageTypeText, model.ChatTypeGroup, 1, []byte("hello"))
	require.NoError(t, err)

	_, err = ReadPacket(bytes.NewReader(b[:5]))
	require.ErrorIs(t, err, ErrTruncatedHeader)

	_, err = ReadPacket(bytes.NewReader(b[:len(b)-2]))
	require.ErrorIs(t, err, ErrTruncatedPayload)
}

func TestKeyExchangePayload(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	got, err := DecodeKeyExchange(EncodeKeyExchange(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecodeKeyExchange([]byte{0, 0})
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeKeyExchange([]byte{0, 0, 0, 40, 1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedPayload)
	require.NotErrorIs(t, err, ErrProtocol)
}

func TestNoticeAndJoinResult(t *testing.T) {
	n, err := DecodeNotice(Notice{Kind: NoticeWelcome, Text: "user_1"}.Encode())
	require.NoError(t, err)
	assert.Equal(t, Notice{Kind: NoticeWelcome, Text: "user_1"}, n)

	r, err := DecodeJoinResult(JoinResult{Status: JoinDenied}.Encode())
	require.NoError(t, err)
	assert.Equal(t, JoinDenied, r.Status)
	assert.Empty(t, r.Name)

	_, err = DecodeNotice(nil)
	require.ErrorIs(t, err, ErrMalformedPayload)
}
