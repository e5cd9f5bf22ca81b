// Package fetch retrieves content from the concrete store variants on a cache
// miss: hosted stores read their local byte storage, remote stores issue an
// upstream HTTP request. Every failure is classified as definitive absence
// (ErrAbsent) or a retryable failure (ErrTransient).
package fetch

import (
	"context"
	"errors"
	"io"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/store"
)

var (
	// ErrAbsent 表示来源明确不存在该路径。
	ErrAbsent = errors.New("content absent")
	// ErrTransient 表示超时、连接失败或上游 5xx 等可重试错误。
	ErrTransient = errors.New("transient fetch failure")
)

// Result 是一次成功拉取的内容，调用方负责关闭 Body。
type Result struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Location    string
	Source      cache.SourceKind
}

// Fetcher 从具体仓库读取内容。实现必须返回 ErrAbsent 或 ErrTransient 包装后的错误，
// 以便解析引擎区分"不存在"与"稍后重试"。
type Fetcher interface {
	Fetch(ctx context.Context, s store.ArtifactStore, path string) (*Result, error)
}

// Func 让普通函数实现 Fetcher，主要用于测试。
type Func func(ctx context.Context, s store.ArtifactStore, path string) (*Result, error)

func (f Func) Fetch(ctx context.Context, s store.ArtifactStore, path string) (*Result, error) {
	return f(ctx, s, path)
}

// IsAbsent 判断错误是否表示内容不存在。
func IsAbsent(err error) bool {
	return errors.Is(err, ErrAbsent)
}
