// Package session holds the client side of one relay connection: the local
// keypair, the per-chat symmetric keys and the chat list shown to the user.
//
// A Session is owned by a single goroutine and is not safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"sort"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/cryptographic/encryption"
	"e2e_relay/internal/cryptographic/kdf"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/packet"
)

var (
	ErrNoChatKey      = errors.New("no key for chat")
	ErrUnknownChat    = errors.New("unknown chat")
	ErrNoChatChosen   = errors.New("no chat selected")
	ErrNotEncryptable = errors.New("only private chats are encrypted")
)

type ChatInfo struct {
	ID   uint32
	Type model.ChatType
	Name string
}

type Session struct {
	userID string
	keys   model.KeyPair

	chatKeys map[uint32][]byte
	chats    map[uint32]ChatInfo
	selected uint32
}

func New() (*Session, error) {
	kp, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return NewWithKeyPair(kp), nil
}

func NewWithKeyPair(kp model.KeyPair) *Session {
	return &Session{
		keys:     kp,
		chatKeys: make(map[uint32][]byte),
		chats:    make(map[uint32]ChatInfo),
	}
}

func (s *Session) PublicKey() []byte {
	pub := s.keys.Public
	return pub[:]
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) SetUserID(id string) { s.userID = id }

// Announce builds the SYSTEM|KEY_EXCHANGE packet that publishes the local
// public key to the relay on chat 0.
func (s *Session) Announce() *packet.Packet {
	return &packet.Packet{
		Flags:       packet.FlagSystem,
		MessageType: packet.MessageTypeKeyExchange,
		ChatID:      0,
		Payload:     packet.EncodeKeyExchange(s.PublicKey()),
	}
}

// HandleKeyExchange derives the key for chatID from the peer's public key.
// The first successful exchange wins; later ones for the same chat are
// ignored until the session is closed.
func (s *Session) HandleKeyExchange(chatID uint32, peerPub []byte) error {
	if _, ok := s.chatKeys[chatID]; ok {
		return nil
	}

	secret, err := dh.X25519SharedSecret(s.keys.Private, peerPub)
	if err != nil {
		return err
	}
	key, err := kdf.ChatKey(secret, chatID)
	clear(secret)
	if err != nil {
		return fmt.Errorf("derive chat key: %w", err)
	}

	s.chatKeys[chatID] = key
	return nil
}

func (s *Session) HasKey(chatID uint32) bool {
	_, ok := s.chatKeys[chatID]
	return ok
}

func (s *Session) Seal(chatID uint32, plaintext []byte) ([]byte, error) {
	key, ok := s.chatKeys[chatID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoChatKey, chatID)
	}
	return encryption.Seal(plaintext, key)
}

func (s *Session) Open(chatID uint32, sealed []byte) ([]byte, error) {
	key, ok := s.chatKeys[chatID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoChatKey, chatID)
	}
	return encryption.Open(sealed, key)
}

// Outgoing builds a TEXT packet for chatID. PRIVATE chats with a known key
// are sealed; everything else goes out in cleartext.
func (s *Session) Outgoing(chatID uint32, text []byte) (*packet.Packet, error) {
	info, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownChat, chatID)
	}

	p := &packet.Packet{
		MessageType: packet.MessageTypeText,
		ChatType:    info.Type,
		ChatID:      chatID,
		Payload:     text,
	}
	if info.Type == model.ChatTypePrivate && s.HasKey(chatID) {
		sealed, err := s.Seal(chatID, text)
		if err != nil {
			return nil, err
		}
		p.Flags |= packet.FlagEncrypted
		p.Payload = sealed
	}
	return p, nil
}

// Plaintext returns the readable payload of an incoming TEXT packet.
func (s *Session) Plaintext(p *packet.Packet) ([]byte, error) {
	if !p.Flags.Has(packet.FlagEncrypted) {
		return p.Payload, nil
	}
	if p.ChatType != model.ChatTypePrivate {
		return nil, fmt.Errorf("%w: %s chat", ErrNotEncryptable, p.ChatType)
	}
	return s.Open(p.ChatID, p.Payload)
}

func (s *Session) Remember(c ChatInfo) {
	s.chats[c.ID] = c
}

func (s *Session) Chat(id uint32) (ChatInfo, bool) {
	c, ok := s.chats[id]
	return c, ok
}

// Chats lists the known chats ordered by id.
func (s *Session) Chats() []ChatInfo {
	out := make([]ChatInfo, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) Select(id uint32) error {
	if _, ok := s.chats[id]; !ok {
		return fmt.Errorf("%w %d", ErrUnknownChat, id)
	}
	s.selected = id
	return nil
}

func (s *Session) Selected() (ChatInfo, error) {
	if s.selected == 0 {
		return ChatInfo{}, ErrNoChatChosen
	}
	return s.chats[s.selected], nil
}

// Close wipes every derived key and the private key.
func (s *Session) Close() {
	for id, k := range s.chatKeys {
		clear(k)
		delete(s.chatKeys, id)
	}
	clear(s.keys.Private[:])
}
