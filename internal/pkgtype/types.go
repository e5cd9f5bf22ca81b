package pkgtype

import (
	"time"

	"github.com/any-hub/repohub/internal/store"
)

// CacheProfile 描述包类型的默认缓存时长。零值表示沿用全局配置。
type CacheProfile struct {
	ArtifactTTL time.Duration
	MetadataTTL time.Duration
}

// Context 向钩子暴露本次解析的上下文，不依赖 resolve 包的内部类型。
type Context struct {
	Store       store.StoreKey
	Origin      store.StoreKey
	PackageType string
	// Upstream 为 remote 仓库的上游地址，hosted 时为空。
	Upstream string
	// PublicBase 是客户端访问 Store 的路径前缀，例如 /api/content/group/public。
	PublicBase string
}

// Hooks 描述解析过程中可替换的步骤，未设置的钩子使用默认行为。
type Hooks struct {
	// NormalizePath 在过滤、索引与缓存之前规整请求路径。
	NormalizePath func(path string) string
	// UpstreamPath 把规整后的缓存路径还原为 remote 上游的请求路径。
	UpstreamPath func(path string) string
	// IsMetadata 判断路径是否为会变化的元数据，元数据使用 MetadataTTL。
	IsMetadata func(path string) bool
	// Transform 在写入缓存前改写 remote 拉取到的内容。
	Transform func(ctx *Context, path string, body []byte) ([]byte, error)
	// ContentType 根据路径给出响应类型。
	ContentType func(path string) string
}

// Metadata 记录一个包类型的静态信息，供配置校验、诊断端与解析引擎使用。
type Metadata struct {
	Key         string       `json:"key"`
	Description string       `json:"description"`
	Profile     CacheProfile `json:"profile"`
	Hooks       Hooks        `json:"-"`
}
