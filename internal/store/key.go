package store

import (
	"fmt"
	"strings"
)

// StoreType 区分三类仓库：本地托管、远程代理与组合组。
type StoreType string

const (
	TypeHosted StoreType = "hosted"
	TypeRemote StoreType = "remote"
	TypeGroup  StoreType = "group"
)

// Types 按固定顺序返回全部仓库类型，用于列表排序与参数校验。
func Types() []StoreType {
	return []StoreType{TypeHosted, TypeRemote, TypeGroup}
}

// ParseStoreType 将大小写不敏感的字符串规整为 StoreType。
func ParseStoreType(raw string) (StoreType, error) {
	switch StoreType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeHosted:
		return TypeHosted, nil
	case TypeRemote:
		return TypeRemote, nil
	case TypeGroup:
		return TypeGroup, nil
	default:
		return "", fmt.Errorf("%w: unknown store type %q", ErrInvalid, raw)
	}
}

func (t StoreType) rank() int {
	switch t {
	case TypeHosted:
		return 0
	case TypeRemote:
		return 1
	case TypeGroup:
		return 2
	default:
		return 3
	}
}

// StoreKey 是仓库的全局唯一标识，也是缓存与路径索引的分区键。
// 结构体可比较，可直接作为 map key 使用。
type StoreKey struct {
	Type StoreType
	Name string
}

// NewKey 构造 StoreKey，不做校验；校验在写入 Registry 时统一进行。
func NewKey(t StoreType, name string) StoreKey {
	return StoreKey{Type: t, Name: name}
}

// ParseStoreKey 解析 "type:name" 形式的字符串。
func ParseStoreKey(raw string) (StoreKey, error) {
	typ, name, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return StoreKey{}, fmt.Errorf("%w: store key %q must look like type:name", ErrInvalid, raw)
	}
	st, err := ParseStoreType(typ)
	if err != nil {
		return StoreKey{}, err
	}
	key := StoreKey{Type: st, Name: name}
	if err := key.Validate(); err != nil {
		return StoreKey{}, err
	}
	return key, nil
}

func (k StoreKey) String() string {
	return string(k.Type) + ":" + k.Name
}

// IsZero reports whether the key was never set.
func (k StoreKey) IsZero() bool {
	return k.Type == "" && k.Name == ""
}

// Validate 检查类型合法且名称不含分隔符/空白。
func (k StoreKey) Validate() error {
	if _, err := ParseStoreType(string(k.Type)); err != nil {
		return err
	}
	if k.Name == "" {
		return newValidationError("key.name", "must not be empty")
	}
	if strings.ContainsAny(k.Name, ":/\\") || strings.IndexFunc(k.Name, isSpace) >= 0 {
		return newValidationError("key.name", fmt.Sprintf("%q contains ':', '/' or whitespace", k.Name))
	}
	return nil
}

// Compare 先按类型再按名称排序，返回 -1/0/1。
func (k StoreKey) Compare(other StoreKey) int {
	if r1, r2 := k.Type.rank(), other.Type.rank(); r1 != r2 {
		if r1 < r2 {
			return -1
		}
		return 1
	}
	return strings.Compare(k.Name, other.Name)
}

// MarshalText 让 StoreKey 在 JSON/YAML 中以 "type:name" 字符串出现。
func (k StoreKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 与 MarshalText 对应。
func (k *StoreKey) UnmarshalText(text []byte) error {
	parsed, err := ParseStoreKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
