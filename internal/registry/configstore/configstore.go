// Package configstore persists ArtifactStore definitions behind a small
// key-value contract with per-key optimistic concurrency. Each record carries
// a monotonically increasing token; writers pass the token they last read and
// the backend rejects the write when it has moved on. Three backends are
// provided: memory (tests and ephemeral runs), file (one YAML document per
// store) and redis (shared across replicas).
package configstore

import (
	"context"
	"errors"

	"github.com/any-hub/repohub/internal/store"
)

var (
	// ErrRecordNotFound 表示记录不存在。
	ErrRecordNotFound = errors.New("store record not found")
	// ErrTokenMismatch 表示乐观锁 token 已过期。
	ErrTokenMismatch = errors.New("store record token mismatch")
)

// Record 是持久化的一条仓库配置。Data 为 store.Marshal 的 JSON 编码。
type Record struct {
	Key   store.StoreKey
	Token int64
	Data  []byte
}

// ConfigStore 描述持久化后端的最小契约。
type ConfigStore interface {
	// Get 返回单条记录，不存在时返回 ErrRecordNotFound。
	Get(ctx context.Context, key store.StoreKey) (Record, error)
	// List 返回全部记录，顺序不作保证。
	List(ctx context.Context) ([]Record, error)
	// Put 在当前 token 等于 expected 时写入并返回新 token；新建记录 expected 为 0。
	Put(ctx context.Context, rec Record, expected int64) (int64, error)
	// Delete 在 token 匹配时删除记录。
	Delete(ctx context.Context, key store.StoreKey, expected int64) error
	// Close 释放底层资源。
	Close() error
}
