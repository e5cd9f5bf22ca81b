package configstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/repohub/internal/store"
)

const (
	defaultRedisURL   = "redis://localhost:6379"
	redisKeyPrefix    = "repohub:store:"
	redisIndexKey     = "repohub:stores"
	redisCASRetries   = 8
	redisFieldToken   = "token"
	redisFieldPayload = "data"
)

// RedisStore 将仓库记录保存为 hash（token + data），并用 set 维护索引。
// 写入通过 WATCH/MULTI 实现 CAS，多副本共享同一份配置。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore 解析 URL 并检测连通性。
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient 复用已有连接，主要用于测试。
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key store.StoreKey) (Record, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(key)).Result()
	if err != nil {
		return Record{}, err
	}
	return decodeRedisRecord(key, fields)
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	members, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	keys := make([]store.StoreKey, 0, len(members))
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	for _, member := range members {
		key, err := store.ParseStoreKey(member)
		if err != nil {
			continue
		}
		keys = append(keys, key)
		cmds = append(cmds, pipe.HGetAll(ctx, recordKey(key)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Record, 0, len(keys))
	for i, cmd := range cmds {
		rec, err := decodeRedisRecord(keys[i], cmd.Val())
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record, expected int64) (int64, error) {
	key := recordKey(rec.Key)
	var next int64
	txf := func(tx *redis.Tx) error {
		current, err := currentToken(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return ErrTokenMismatch
		}
		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, redisFieldToken, next, redisFieldPayload, rec.Data)
			pipe.SAdd(ctx, redisIndexKey, rec.Key.String())
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *RedisStore) Delete(ctx context.Context, key store.StoreKey, expected int64) error {
	rk := recordKey(key)
	txf := func(tx *redis.Tx) error {
		current, err := currentToken(ctx, tx, rk)
		if err != nil {
			return err
		}
		if current == 0 {
			return ErrRecordNotFound
		}
		if current != expected {
			return ErrTokenMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rk)
			pipe.SRem(ctx, redisIndexKey, key.String())
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, rk)
}

func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// watch 在并发事务冲突（TxFailedErr）时重试，token 不匹配直接返回。
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	for i := 0; i < redisCASRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTokenMismatch
}

func currentToken(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	token, err := tx.HGet(ctx, key, redisFieldToken).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return token, err
}

func decodeRedisRecord(key store.StoreKey, fields map[string]string) (Record, error) {
	if len(fields) == 0 {
		return Record{}, ErrRecordNotFound
	}
	token, err := strconv.ParseInt(fields[redisFieldToken], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode token for %s: %w", key, err)
	}
	return Record{Key: key, Token: token, Data: []byte(fields[redisFieldPayload])}, nil
}

func recordKey(key store.StoreKey) string {
	return redisKeyPrefix + string(key.Type) + ":" + key.Name
}
