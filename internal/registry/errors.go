package registry

import (
	"errors"
	"strings"

	"github.com/any-hub/repohub/internal/store"
)

var (
	// ErrValidation 与 store.ErrInvalid 相同，便于调用方只依赖 registry 包。
	ErrValidation = store.ErrInvalid
	// ErrCycleDetected 表示组成员直接或间接包含自身。
	ErrCycleDetected = errors.New("group membership cycle detected")
	// ErrConflict 表示 CAS 修订号已过期，调用方需要重新读取后重试。
	ErrConflict = errors.New("store revision conflict")
	// ErrStoreExists 表示创建时 key 已存在且未指定 Overwrite。
	ErrStoreExists = errors.New("store already exists")
	// ErrStoreNotFound 表示仓库不存在。
	ErrStoreNotFound = errors.New("store not found")
)

// CycleError 记录成环路径，首尾为同一个 key。
type CycleError struct {
	Path []store.StoreKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = k.String()
	}
	return "group membership cycle detected: " + strings.Join(parts, " -> ")
}

// Is 让 CycleError 同时匹配 ErrCycleDetected 与 ErrValidation。
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected || target == store.ErrInvalid
}

// OrphanReference 描述组成员指向了不存在的仓库。
type OrphanReference struct {
	Group  store.StoreKey `json:"group"`
	Member store.StoreKey `json:"member"`
}
