package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/any-hub/repohub/internal/store"
)

// Backend 负责保存正文字节，元数据（存在性、TTL）由 Cache 维护。
//
// 磁盘布局遵循：
//
//	<StoragePath>/<type>/<name>/<path>
type Backend interface {
	// Open 返回可流式读取的正文与长度。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, locator Locator) (io.ReadSeekCloser, int64, error)

	// Write 原子地写入正文并返回写入字节数。ttl 大于 0 时后端可以自行过期。
	Write(ctx context.Context, locator Locator, body io.Reader, ttl time.Duration) (int64, error)

	// Remove 删除单个条目，条目不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// RemoveStore 删除某个仓库下的全部条目。
	RemoveStore(ctx context.Context, key store.StoreKey) error
}

// Locator 唯一定位一个缓存条目（来源仓库 + 相对路径），路径为不带前导斜杠的 URL 风格。
type Locator struct {
	Store store.StoreKey `json:"store"`
	Path  string         `json:"path"`
}

// SourceKind 标识内容的来源。
type SourceKind string

const (
	SourceHosted    SourceKind = "hosted"
	SourceRemote    SourceKind = "remote"
	SourceGenerated SourceKind = "generated"
)

// Entry 描述一次缓存结果。Exists 为 false 时是负缓存，没有正文。
type Entry struct {
	Locator     Locator    `json:"locator"`
	Exists      bool       `json:"exists"`
	SizeBytes   int64      `json:"size_bytes"`
	Digest      string     `json:"digest,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Location    string     `json:"location,omitempty"`
	Source      SourceKind `json:"source,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	// ExpiresAt 为零值表示永不过期。
	ExpiresAt time.Time `json:"expires_at"`
}

// FreshAt 判断条目在 now 时刻是否仍然有效。
func (e *Entry) FreshAt(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// PutMeta 是写入正文时附带的描述信息。
type PutMeta struct {
	ContentType string
	Location    string
	Source      SourceKind
	// Since 非空时，条目在该代数之后被失效过则拒绝写入。
	Since *Generation
}

// Generation 是某个 Locator 的失效代数，由 Cache.Generation 取得。
type Generation struct {
	store uint64
	path  uint64
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidated 表示读取内容后、写入缓存前条目已被失效。
	ErrInvalidated = errors.New("cache invalidated during write")
)
