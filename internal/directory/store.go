package directory

import (
	"context"
	"errors"

	"e2e_relay/internal/model"
)

// ErrNoMirror is returned by NopStore reads. The Directory treats it as a
// silent miss.
var ErrNoMirror = errors.New("no mirror store configured")

// Store mirrors chat records and message logs outside the process. Every
// method must be safe for concurrent use. GetChat returns ErrChatNotFound
// for ids the store has never seen.
type Store interface {
	GetChat(ctx context.Context, id uint32) (*model.Chat, error)
	StoreChat(ctx context.Context, chat *model.Chat) error
	AddMember(ctx context.Context, id uint32, userID string) error
	GetMembers(ctx context.Context, id uint32) ([]string, error)
	AppendMessage(ctx context.Context, msg *model.Message) error
	// ListMessages returns the newest limit messages oldest first. limit <= 0
	// means all.
	ListMessages(ctx context.Context, id uint32, limit int) ([]*model.Message, error)
}

type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) GetChat(context.Context, uint32) (*model.Chat, error) { return nil, ErrNoMirror }
func (NopStore) StoreChat(context.Context, *model.Chat) error         { return nil }
func (NopStore) AddMember(context.Context, uint32, string) error      { return nil }
func (NopStore) GetMembers(context.Context, uint32) ([]string, error) { return nil, ErrNoMirror }
func (NopStore) AppendMessage(context.Context, *model.Message) error  { return nil }
func (NopStore) ListMessages(context.Context, uint32, int) ([]*model.Message, error) {
	return nil, ErrNoMirror
}
