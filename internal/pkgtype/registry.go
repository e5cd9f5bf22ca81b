package pkgtype

import (
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"
)

// DefaultKey 是未注册包类型时回退使用的 generic。
const DefaultKey = "generic"

var globalRegistry = newRegistry()

type registry struct {
	mu    sync.RWMutex
	types map[string]Metadata
}

func newRegistry() *registry {
	return &registry{types: make(map[string]Metadata)}
}

// Register 将包类型加入全局注册表，重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的包类型。
func Resolve(key string) (Metadata, bool) {
	return globalRegistry.resolve(key)
}

// ResolveOrDefault 找不到时回退到 generic，generic 也未注册时返回空元数据。
func ResolveOrDefault(key string) Metadata {
	if meta, ok := Resolve(key); ok {
		return meta
	}
	meta, _ := Resolve(DefaultKey)
	return meta
}

// List 返回按键排序的包类型列表。
func List() []Metadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册的键。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta Metadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("package type key is required")
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[key]; exists {
		return fmt.Errorf("package type %s already registered", key)
	}
	r.types[key] = meta
	return nil
}

func (r *registry) resolve(key string) (Metadata, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Metadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.types[normalized]
	return meta, ok
}

func (r *registry) list() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.types))
	for key := range r.types {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.types[key])
	}
	return result
}

// NormalizePath 先做通用清理（去掉前导斜杠、折叠 ./..），再调用包类型钩子。
func (m Metadata) NormalizePath(p string) string {
	clean := CleanPath(p)
	if m.Hooks.NormalizePath != nil {
		return m.Hooks.NormalizePath(clean)
	}
	return clean
}

// UpstreamPath 未设置钩子时与缓存路径相同。
func (m Metadata) UpstreamPath(p string) string {
	if m.Hooks.UpstreamPath != nil {
		return m.Hooks.UpstreamPath(p)
	}
	return p
}

// IsMetadata 未设置钩子时所有路径都视为不可变制品。
func (m Metadata) IsMetadata(p string) bool {
	return m.Hooks.IsMetadata != nil && m.Hooks.IsMetadata(p)
}

// ContentType 未设置钩子或钩子返回空串时按扩展名推断。
func (m Metadata) ContentType(p string) string {
	if m.Hooks.ContentType != nil {
		if ct := m.Hooks.ContentType(p); ct != "" {
			return ct
		}
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Transform 未设置钩子时原样返回。
func (m Metadata) Transform(ctx *Context, p string, body []byte) ([]byte, error) {
	if m.Hooks.Transform == nil {
		return body, nil
	}
	return m.Hooks.Transform(ctx, p, body)
}

// CleanPath 将请求路径规整为不带前导斜杠的相对路径，拒绝跳出根目录。
func CleanPath(p string) string {
	clean := path.Clean("/" + strings.TrimSpace(p))
	return strings.TrimPrefix(clean, "/")
}
