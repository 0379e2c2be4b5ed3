// Package directory is the relay's authoritative registry of chats: their
// type, membership, admin and message log, plus the send and join policy.
//
// Every mutation is applied to the in-process copy under the chat's own lock
// and then written to the mirror Store. Reads try the mirror first and fall
// back to the local copy when the mirror fails or no longer holds the chat.
// A chat whose mirror write has failed is served locally from then on.
package directory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_relay/internal/metrics"
	"e2e_relay/internal/model"
	"e2e_relay/internal/utils/log"
)

var (
	ErrChatNotFound     = errors.New("chat not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrChatExists       = errors.New("chat already exists")
	ErrInvalidChat      = errors.New("invalid chat")
)

const maxIDAttempts = 16

type (
	entry struct {
		mu      sync.Mutex
		chat    *model.Chat
		log     []*model.Message
		nextSeq uint64
		// stale is set once a mirror write fails for this chat.
		stale bool
	}

	Directory struct {
		mu    sync.RWMutex
		chats map[uint32]*entry

		mirror       Store
		timeout      time.Duration
		historyLimit int
		metrics      *metrics.Metrics
		now          func() time.Time
	}

	Option func(*Directory)
)

func WithStore(s Store) Option {
	return func(d *Directory) {
		if s != nil {
			d.mirror = s
		}
	}
}

// WithTimeout bounds every mirror call.
func WithTimeout(t time.Duration) Option {
	return func(d *Directory) { d.timeout = t }
}

// WithHistoryLimit caps the in-process log per chat. 0 keeps everything.
func WithHistoryLimit(n int) Option {
	return func(d *Directory) { d.historyLimit = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Directory) { d.metrics = m }
}

func New(opts ...Option) *Directory {
	d := &Directory{
		chats:   make(map[uint32]*entry),
		mirror:  NopStore{},
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create registers a chat under a fresh non-zero id. The creator is its first
// member and, for channels, its admin. An empty name becomes Chat_<id>.
func (d *Directory) Create(ctx context.Context, t model.ChatType, creator, name string) (*model.Chat, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := newChatID()
		if id == 0 {
			continue
		}
		if _, err := d.mirrorGet(ctx, id); err == nil {
			continue
		}
		chat, err := d.CreateWithID(ctx, id, t, creator, name)
		if errors.Is(err, ErrChatExists) {
			continue
		}
		return chat, err
	}
	return nil, errors.New("could not allocate a chat id")
}

// CreateWithID registers a chat under a caller-chosen id. It is used when a
// join names an id nobody has created yet.
func (d *Directory) CreateWithID(ctx context.Context, id uint32, t model.ChatType, creator, name string) (*model.Chat, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: id 0 is reserved", ErrInvalidChat)
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChat, t)
	}
	if name == "" {
		name = fmt.Sprintf("Chat_%d", id)
	}

	chat := &model.Chat{
		ID:      id,
		Type:    t,
		Name:    name,
		Members: []string{creator},
	}
	if t == model.ChatTypeChannel {
		chat.Admin = creator
	}

	e := &entry{chat: chat, nextSeq: 1}
	e.mu.Lock()
	defer e.mu.Unlock()

	d.mu.Lock()
	if _, ok := d.chats[id]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrChatExists, id)
	}
	d.chats[id] = e
	d.mu.Unlock()

	d.mirrorWrite(ctx, e, "store_chat", func(ctx context.Context) error {
		return d.mirror.StoreChat(ctx, chat)
	})
	if d.metrics != nil {
		d.metrics.ChatsCreated.WithLabelValues(t.String()).Inc()
	}

	log.Info("chat created",
		zap.Uint32("chat_id", id),
		zap.Stringer("type", t),
		zap.String("creator", creator))
	return chat.Clone(), nil
}

// Get returns a copy of the chat record.
func (d *Directory) Get(ctx context.Context, id uint32) (*model.Chat, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if !e.isStale() {
		chat, err := d.mirrorGet(ctx, id)
		if err == nil && len(chat.Members) > 0 {
			return chat, nil
		}
		if err == nil || errors.Is(err, ErrChatNotFound) {
			d.mirrorLost(id)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chat.Clone(), nil
}

// CanSend reports whether userID may post to chat id. Unknown chats refuse.
func (d *Directory) CanSend(ctx context.Context, userID string, id uint32) bool {
	chat, err := d.Get(ctx, id)
	if err != nil {
		return false
	}
	return canSend(chat, userID)
}

func canSend(chat *model.Chat, userID string) bool {
	if chat.Type == model.ChatTypeChannel {
		return userID == chat.Admin
	}
	return chat.HasMember(userID)
}

// AddMember puts userID into chat id on behalf of inviter. Channels only
// accept the admin as inviter; private chats hold at most two members.
// Adding an existing member succeeds without change. The returned chat
// reflects the membership after the call.
func (d *Directory) AddMember(ctx context.Context, id uint32, userID, inviter string) (*model.Chat, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chat := e.chat
	if chat.HasMember(userID) {
		return chat.Clone(), nil
	}

	switch chat.Type {
	case model.ChatTypeChannel:
		if inviter != chat.Admin {
			return nil, fmt.Errorf("%w: only the admin adds channel members", ErrPermissionDenied)
		}
	case model.ChatTypePrivate:
		if len(chat.Members) >= 2 {
			return nil, fmt.Errorf("%w: private chat is full", ErrPermissionDenied)
		}
	}

	chat.Members = append(chat.Members, userID)
	d.mirrorWrite(ctx, e, "add_member", func(ctx context.Context) error {
		return d.mirror.AddMember(ctx, id, userID)
	})

	log.Debug("member added",
		zap.Uint32("chat_id", id),
		zap.String("user_id", userID),
		zap.String("inviter", inviter))
	return chat.Clone(), nil
}

// Members returns the member ids of chat id.
func (d *Directory) Members(ctx context.Context, id uint32) ([]string, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if !e.isStale() {
		members, err := d.mirrorMembers(ctx, id)
		if err == nil && len(members) > 0 {
			return members, nil
		}
		if err == nil || errors.Is(err, ErrChatNotFound) {
			d.mirrorLost(id)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.chat.Members...), nil
}

// Append checks that sender may post to chat id and appends the message to
// its log. The check and the append happen under the same lock.
func (d *Directory) Append(ctx context.Context, id uint32, sender string, payload []byte, encrypted bool) (*model.Message, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !canSend(e.chat, sender) {
		return nil, fmt.Errorf("%w: %s may not send to chat %d", ErrPermissionDenied, sender, id)
	}

	msg := &model.Message{
		ChatID:    id,
		Sequence:  e.nextSeq,
		Sender:    sender,
		Payload:   append([]byte(nil), payload...),
		Encrypted: encrypted,
		SentAt:    d.now().UTC(),
	}
	e.nextSeq++
	e.log = append(e.log, msg)
	if d.historyLimit > 0 && len(e.log) > d.historyLimit {
		e.log = append([]*model.Message(nil), e.log[len(e.log)-d.historyLimit:]...)
	}

	d.mirrorWrite(ctx, e, "append_message", func(ctx context.Context) error {
		return d.mirror.AppendMessage(ctx, msg)
	})
	return msg, nil
}

// Messages returns the newest limit messages of chat id, oldest first.
// limit <= 0 returns the whole log.
func (d *Directory) Messages(ctx context.Context, id uint32, limit int) ([]*model.Message, error) {
	e, err := d.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if !e.isStale() {
		c, cancel := d.withTimeout(ctx)
		msgs, err := d.mirror.ListMessages(c, id, limit)
		cancel()
		if err != nil {
			d.mirrorFailed("list_messages", id, err)
		} else if len(msgs) > 0 || e.logLen() == 0 {
			return msgs, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return tail(e.log, limit), nil
}

// List returns a snapshot of every chat known to this process, ordered by id.
func (d *Directory) List() []*model.Chat {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.chats))
	for _, e := range d.chats {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	out := make([]*model.Chat, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.chat.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lookup returns the local entry for id, hydrating it from the mirror when
// this process has not seen the chat yet.
func (d *Directory) lookup(ctx context.Context, id uint32) (*entry, error) {
	d.mu.RLock()
	e, ok := d.chats[id]
	d.mu.RUnlock()
	if ok {
		return e, nil
	}

	chat, err := d.mirrorGet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrChatNotFound, id)
	}

	e = &entry{chat: chat, nextSeq: 1}
	c, cancel := d.withTimeout(ctx)
	msgs, err := d.mirror.ListMessages(c, id, d.historyLimit)
	cancel()
	if err == nil {
		e.log = msgs
		if n := len(msgs); n > 0 {
			e.nextSeq = msgs[n-1].Sequence + 1
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.chats[id]; ok {
		return existing, nil
	}
	d.chats[id] = e
	log.Debug("chat loaded from mirror", zap.Uint32("chat_id", id))
	return e, nil
}

func (d *Directory) mirrorGet(ctx context.Context, id uint32) (*model.Chat, error) {
	c, cancel := d.withTimeout(ctx)
	defer cancel()

	chat, err := d.mirror.GetChat(c, id)
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) {
			d.mirrorFailed("get_chat", id, err)
		}
		return nil, err
	}
	return chat, nil
}

func (d *Directory) mirrorMembers(ctx context.Context, id uint32) ([]string, error) {
	c, cancel := d.withTimeout(ctx)
	defer cancel()

	members, err := d.mirror.GetMembers(c, id)
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) {
			d.mirrorFailed("get_members", id, err)
		}
		return nil, err
	}
	return members, nil
}

// mirrorLost records a chat the mirror dropped while this process still
// holds it, for example after a key expired.
func (d *Directory) mirrorLost(id uint32) {
	if d.metrics != nil {
		d.metrics.MirrorErrors.WithLabelValues("missing_chat").Inc()
	}
	log.Debug("chat missing from mirror, using local copy", zap.Uint32("chat_id", id))
}

// mirrorWrite runs fn with the entry lock held. A failure marks the entry
// stale; the local mutation stands.
func (d *Directory) mirrorWrite(ctx context.Context, e *entry, op string, fn func(context.Context) error) {
	c, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := fn(c); err != nil {
		e.stale = true
		d.mirrorFailed(op, e.chat.ID, err)
	}
}

func (d *Directory) mirrorFailed(op string, id uint32, err error) {
	if errors.Is(err, ErrNoMirror) {
		return
	}
	if d.metrics != nil {
		d.metrics.MirrorErrors.WithLabelValues(op).Inc()
	}
	log.Warn("mirror store failed, using local copy",
		zap.String("op", op),
		zap.Uint32("chat_id", id),
		zap.Error(err))
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (e *entry) isStale() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale
}

func (e *entry) logLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.log)
}

func tail(msgs []*model.Message, limit int) []*model.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*model.Message(nil), msgs...)
}

func newChatID() uint32 {
	u := uuid.New()
	return binary.BigEndian.Uint32(u[12:16])
}
