package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/any-hub/repohub/internal/store"
)

const (
	redisContentPrefix    = "repohub:content:"
	defaultMaxObjectBytes = 64 << 20
	redisScanCount        = 256
)

// ErrTooLarge 表示正文超过 Redis 后端允许的大小。
var ErrTooLarge = errors.New("content exceeds backend object limit")

// RedisBackend 将正文以 zstd 压缩后写入 Redis，多个副本共享同一份内容。
type RedisBackend struct {
	client   redis.UniversalClient
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	maxBytes int64
}

// NewRedisBackend 解析 URL 并检测连通性。
func NewRedisBackend(url string) (*RedisBackend, error) {
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
	return NewRedisBackendWithClient(client, 0)
}

// NewRedisBackendWithClient 复用已有连接，maxBytes 为 0 时使用 64MiB 上限。
func NewRedisBackendWithClient(client redis.UniversalClient, maxBytes int64) (*RedisBackend, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxObjectBytes
	}
	return &RedisBackend{client: client, encoder: enc, decoder: dec, maxBytes: maxBytes}, nil
}

func (b *RedisBackend) Open(ctx context.Context, locator Locator) (io.ReadSeekCloser, int64, error) {
	raw, err := b.client.Get(ctx, redisContentKey(locator)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	plain, err := b.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("decompress %s: %w", locator.Path, err)
	}
	return readSeekNopCloser{bytes.NewReader(plain)}, int64(len(plain)), nil
}

func (b *RedisBackend) Write(ctx context.Context, locator Locator, body io.Reader, ttl time.Duration) (int64, error) {
	plain, err := io.ReadAll(io.LimitReader(body, b.maxBytes+1))
	if err != nil {
		return 0, err
	}
	if int64(len(plain)) > b.maxBytes {
		return 0, fmt.Errorf("%w: %s", ErrTooLarge, locator.Path)
	}
	if ttl < 0 {
		ttl = 0
	}
	compressed := b.encoder.EncodeAll(plain, make([]byte, 0, len(plain)/2))
	if err := b.client.Set(ctx, redisContentKey(locator), compressed, ttl).Err(); err != nil {
		return 0, err
	}
	return int64(len(plain)), nil
}

func (b *RedisBackend) Remove(ctx context.Context, locator Locator) error {
	return b.client.Del(ctx, redisContentKey(locator)).Err()
}

func (b *RedisBackend) RemoveStore(ctx context.Context, key store.StoreKey) error {
	pattern := escapeGlob(redisStorePrefix(key)) + "*"
	iter := b.client.Scan(ctx, 0, pattern, redisScanCount).Iterator()
	batch := make([]string, 0, redisScanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return b.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close 释放 zstd 资源与连接。
func (b *RedisBackend) Close() error {
	b.encoder.Close()
	b.decoder.Close()
	return b.client.Close()
}

func redisStorePrefix(key store.StoreKey) string {
	return redisContentPrefix + string(key.Type) + ":" + key.Name + ":"
}

func redisContentKey(locator Locator) string {
	return redisStorePrefix(locator.Store) + locator.Path
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }
