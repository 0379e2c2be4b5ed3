package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by reads of missing keys and hash fields.
const Nil = redis.Nil

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

// LRange returns the elements between start and stop inclusive. Negative
// indexes count from the tail, as in redis.
func (r *RedisService) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, start, stop).Result()
}

func (r *RedisService) HSet(ctx context.Context, key, field string, value any) error {
	return r.rdb.HSet(ctx, key, field, value).Err()
}

func (r *RedisService) HGet(ctx context.Context, key, field string) (string, error) {
	return r.rdb.HGet(ctx, key, field).Result()
}

func (r *RedisService) HExists(ctx context.Context, key, field string) (bool, error) {
	return r.rdb.HExists(ctx, key, field).Result()
}

func (r *RedisService) SAdd(ctx context.Context, key string, members ...any) error {
	return r.rdb.SAdd(ctx, key, members...).Err()
}

func (r *RedisService) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

// TxPipelined runs fn inside MULTI/EXEC.
func (r *RedisService) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := r.rdb.TxPipelined(ctx, fn)
	return err
}
