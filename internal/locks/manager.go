// Package locks coalesces concurrent work on the same (store, path) resource.
// One execution runs per resource at a time; callers that arrive while it is
// in flight wait for and share its result.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/repohub/internal/store"
)

const (
	DefaultWaitTimeout  = 30 * time.Second
	DefaultFetchTimeout = 5 * time.Minute
)

// ErrLockTimeout 表示等待进行中的操作超时，属于可重试错误。
var ErrLockTimeout = errors.New("lock wait timeout")

// Func 是在资源锁内执行的操作。
type Func func(ctx context.Context) (any, error)

// Options 控制等待与执行时限。
type Options struct {
	WaitTimeout  time.Duration
	FetchTimeout time.Duration
}

// Manager 基于 singleflight 为每个 (store, path) 提供互斥执行与结果共享。
type Manager struct {
	group singleflight.Group

	// flights 记录正在执行的资源，区分发起方与加入方。
	mu      sync.Mutex
	flights map[string]struct{}

	waitTimeout  time.Duration
	fetchTimeout time.Duration
	inflight     atomic.Int64
}

// New 构造 Manager，未设置的时限使用默认值。
func New(opts Options) *Manager {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &Manager{
		flights:      make(map[string]struct{}),
		waitTimeout:  opts.WaitTimeout,
		fetchTimeout: opts.FetchTimeout,
	}
}

// InFlight 返回正在执行的操作数量。
func (m *Manager) InFlight() int64 {
	return m.inflight.Load()
}

// WithLock 在 (key, path) 的锁内执行 fn；已有执行时等待并共享其结果。
// 发起执行的调用方只受 ctx 约束，fn 本身受 FetchTimeout 约束；
// 加入已有执行的调用方另受 WaitTimeout 约束，超时返回 ErrLockTimeout。ctx 取消返回 ctx.Err()。
// fn 使用脱离调用方取消信号的 context 运行，因此等待方放弃后操作仍会完成并写入缓存。
func (m *Manager) WithLock(ctx context.Context, key store.StoreKey, path string, fn Func) (any, error) {
	rk := resourceKey(key, path)
	detached := context.WithoutCancel(ctx)

	m.mu.Lock()
	_, joined := m.flights[rk]
	if !joined {
		m.flights[rk] = struct{}{}
	}
	ch := m.group.DoChan(rk, func() (result any, err error) {
		defer m.release(rk)
		m.inflight.Add(1)
		defer m.inflight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("locked operation on %s %s panicked: %v", key, path, r)
			}
		}()

		runCtx, cancel := context.WithTimeout(detached, m.fetchTimeout)
		defer cancel()
		return fn(runCtx)
	})
	m.mu.Unlock()

	if !joined {
		select {
		case res := <-ch:
			return res.Val, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s after %s", ErrLockTimeout, key, path, m.waitTimeout)
	}
}

// release 在 fn 返回前清除标记并让 singleflight 忘记该键，之后到达的调用方会发起新的执行。
func (m *Manager) release(rk string) {
	m.mu.Lock()
	delete(m.flights, rk)
	m.group.Forget(rk)
	m.mu.Unlock()
}

func resourceKey(key store.StoreKey, path string) string {
	return key.String() + "\x00" + path
}
