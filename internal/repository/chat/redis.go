package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"e2e_relay/internal/directory"
	"e2e_relay/internal/model"
	"e2e_relay/internal/service/redis"
)

const chatsKey = "chats"

type (
	// RedisRepo keeps chat records in the "chats" hash, members in
	// chat:<id>:members sets and logs in chat:<id>:messages lists.
	RedisRepo struct {
		redisService *redis.RedisService
	}

	// redisChat is the hash value; members live in their own set.
	redisChat struct {
		Type  model.ChatType `json:"type"`
		Name  string         `json:"name"`
		Admin string         `json:"admin,omitempty"`
	}
)

var _ directory.Store = (*RedisRepo)(nil)

func NewRedisRepo(redisSvc *redis.RedisService) *RedisRepo {
	return &RedisRepo{
		redisService: redisSvc,
	}
}

func membersKey(id uint32) string  { return fmt.Sprintf("chat:%d:members", id) }
func messagesKey(id uint32) string { return fmt.Sprintf("chat:%d:messages", id) }

func (r *RedisRepo) GetChat(ctx context.Context, id uint32) (*model.Chat, error) {
	v, err := r.redisService.HGet(ctx, chatsKey, strconv.FormatUint(uint64(id), 10))
	if errors.Is(err, redis.Nil) {
		return nil, directory.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}

	var rc redisChat
	if err := json.Unmarshal([]byte(v), &rc); err != nil {
		return nil, fmt.Errorf("decode chat %d: %w", id, err)
	}

	members, err := r.GetMembers(ctx, id)
	if err != nil {
		return nil, err
	}

	return &model.Chat{
		ID:      id,
		Type:    rc.Type,
		Name:    rc.Name,
		Admin:   rc.Admin,
		Members: members,
	}, nil
}

// StoreChat overwrites the record and its member set in one transaction.
func (r *RedisRepo) StoreChat(ctx context.Context, chat *model.Chat) error {
	data, err := json.Marshal(redisChat{Type: chat.Type, Name: chat.Name, Admin: chat.Admin})
	if err != nil {
		return err
	}

	return r.redisService.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, chatsKey, strconv.FormatUint(uint64(chat.ID), 10), data)
		p.Del(ctx, membersKey(chat.ID))
		if len(chat.Members) > 0 {
			members := make([]any, len(chat.Members))
			for i, m := range chat.Members {
				members[i] = m
			}
			p.SAdd(ctx, membersKey(chat.ID), members...)
		}
		return nil
	})
}

func (r *RedisRepo) AddMember(ctx context.Context, id uint32, userID string) error {
	ok, err := r.redisService.HExists(ctx, chatsKey, strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return err
	}
	if !ok {
		return directory.ErrChatNotFound
	}
	return r.redisService.SAdd(ctx, membersKey(id), userID)
}

// GetMembers returns the member set sorted, since redis sets are unordered.
// A chat whose record has expired reports ErrChatNotFound rather than an
// empty set.
func (r *RedisRepo) GetMembers(ctx context.Context, id uint32) ([]string, error) {
	ok, err := r.redisService.HExists(ctx, chatsKey, strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, directory.ErrChatNotFound
	}

	members, err := r.redisService.SMembers(ctx, membersKey(id))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (r *RedisRepo) AppendMessage(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.redisService.RPush(ctx, messagesKey(msg.ChatID), data)
}

func (r *RedisRepo) ListMessages(ctx context.Context, id uint32, limit int) ([]*model.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	vals, err := r.redisService.LRange(ctx, messagesKey(id), start, -1)
	if err != nil {
		return nil, err
	}

	res := make([]*model.Message, 0, len(vals))
	for _, v := range vals {
		var m model.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("decode message of chat %d: %w", id, err)
		}
		res = append(res, &m)
	}
	return res, nil
}
