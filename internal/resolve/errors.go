package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/repohub/internal/store"
)

var (
	// ErrNotFound 表示所有候选仓库都明确不存在该路径，或请求的仓库不可用、路径被过滤。
	ErrNotFound = errors.New("content not found")
	// ErrTransient 表示没有候选仓库给出确定结果，调用方可以稍后重试。
	ErrTransient = errors.New("content temporarily unavailable")
	// ErrStoreUnknown 表示请求的仓库不存在，同时满足 errors.Is(err, ErrNotFound)。
	ErrStoreUnknown = fmt.Errorf("%w: store unknown", ErrNotFound)
	// ErrNotHosted 表示写入目标不是 hosted 仓库。
	ErrNotHosted = errors.New("store does not accept deployments")
)

// CandidateFailure 记录单个候选仓库的暂时失败。
type CandidateFailure struct {
	Store store.StoreKey
	Err   error
}

// TransientError 汇总所有候选仓库的暂时失败。
type TransientError struct {
	Store    store.StoreKey
	Path     string
	Failures []CandidateFailure
}

func (e *TransientError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Store.String() + ": " + f.Err.Error()
	}
	return fmt.Sprintf("resolve %s %s: all %d candidates failed: %s",
		e.Store, e.Path, len(e.Failures), strings.Join(parts, "; "))
}

// Is 让 errors.Is(err, ErrTransient) 成立。
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Unwrap 暴露每个候选的原始错误，例如 locks.ErrLockTimeout。
func (e *TransientError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}
