// Package lifecycle sequences process startup and shutdown. Subsystems
// register prioritized boot, migration, startup and shutdown hooks on a
// Builder at composition time; Build freezes them into a Manager whose phases
// run highest priority first.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State 是生命周期状态。
type State string

const (
	StateStopped   State = "stopped"
	StateBooting   State = "booting"
	StateMigrating State = "migrating"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
)

// ErrInvalidState 表示在当前状态下不允许该操作。
var ErrInvalidState = errors.New("invalid lifecycle state")

// FatalError 表示启动阶段的钩子失败，进程应当退出。
type FatalError struct {
	Phase  string
	HookID string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s hook %s failed: %v", e.Phase, e.HookID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Hook 是一个带优先级的阶段动作，Priority 越大越先执行。
type Hook struct {
	ID       string
	Priority int
	Fn       func(ctx context.Context) error
}

// MigrationHook 返回是否修改了持久化状态，结果只写入日志。
type MigrationHook struct {
	ID       string
	Priority int
	Fn       func(ctx context.Context) (changed bool, err error)
}

// Builder 在组装阶段收集钩子，非并发安全。
type Builder struct {
	logger     *logrus.Logger
	boot       []Hook
	migrations []MigrationHook
	startup    []Hook
	shutdown   []Hook
}

// NewBuilder 构造 Builder，logger 为空时使用默认 logger。
func NewBuilder(logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Builder{logger: logger}
}

func (b *Builder) Boot(h Hook) *Builder {
	b.boot = append(b.boot, h)
	return b
}

func (b *Builder) Migration(h MigrationHook) *Builder {
	b.migrations = append(b.migrations, h)
	return b
}

func (b *Builder) Startup(h Hook) *Builder {
	b.startup = append(b.startup, h)
	return b
}

func (b *Builder) Shutdown(h Hook) *Builder {
	b.shutdown = append(b.shutdown, h)
	return b
}

// Build 冻结钩子列表。每个阶段按优先级降序稳定排序，同优先级保持注册顺序。
func (b *Builder) Build() *Manager {
	byPriority := func(a, c Hook) int { return c.Priority - a.Priority }
	boot := slices.Clone(b.boot)
	slices.SortStableFunc(boot, byPriority)
	startup := slices.Clone(b.startup)
	slices.SortStableFunc(startup, byPriority)
	shutdown := slices.Clone(b.shutdown)
	slices.SortStableFunc(shutdown, byPriority)
	migrations := slices.Clone(b.migrations)
	slices.SortStableFunc(migrations, func(a, c MigrationHook) int { return c.Priority - a.Priority })

	return &Manager{
		logger:     b.logger,
		boot:       boot,
		migrations: migrations,
		startup:    startup,
		shutdown:   shutdown,
		state:      StateStopped,
	}
}

// Manager 执行已冻结的钩子并维护状态。
type Manager struct {
	logger     *logrus.Logger
	boot       []Hook
	migrations []MigrationHook
	startup    []Hook
	shutdown   []Hook

	mu    sync.Mutex
	state State
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start 依次执行 boot、migration、startup 阶段。任一钩子失败时停止后续钩子，
// 状态回到 Stopped 并返回 *FatalError。只允许在 Stopped 状态调用。
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, current)
	}
	m.state = StateBooting
	m.mu.Unlock()

	started := time.Now()
	if err := m.runPhase(ctx, "boot", m.boot); err != nil {
		m.setState(StateStopped)
		return err
	}

	m.setState(StateMigrating)
	for _, h := range m.migrations {
		fields := logrus.Fields{"action": "lifecycle", "phase": "migration", "hook": h.ID, "priority": h.Priority}
		changed, err := h.Fn(ctx)
		if err != nil {
			m.logger.WithFields(fields).WithError(err).Error("lifecycle_hook_failed")
			m.setState(StateStopped)
			return &FatalError{Phase: "migration", HookID: h.ID, Err: err}
		}
		fields["changed"] = changed
		m.logger.WithFields(fields).Info("lifecycle_hook_completed")
	}

	m.setState(StateStarting)
	if err := m.runPhase(ctx, "startup", m.startup); err != nil {
		m.setState(StateStopped)
		return err
	}

	m.setState(StateRunning)
	m.logger.WithFields(logrus.Fields{
		"action":     "lifecycle",
		"state":      StateRunning,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("lifecycle_started")
	return nil
}

func (m *Manager) runPhase(ctx context.Context, phase string, hooks []Hook) error {
	for _, h := range hooks {
		fields := logrus.Fields{"action": "lifecycle", "phase": phase, "hook": h.ID, "priority": h.Priority}
		if err := h.Fn(ctx); err != nil {
			m.logger.WithFields(fields).WithError(err).Error("lifecycle_hook_failed")
			return &FatalError{Phase: phase, HookID: h.ID, Err: err}
		}
		m.logger.WithFields(fields).Debug("lifecycle_hook_completed")
	}
	return nil
}

// Stop 执行全部 shutdown 钩子，单个钩子失败不会中断后续钩子，所有错误合并返回。
// 只允许在 Running 状态调用。
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, current)
	}
	m.state = StateStopping
	m.mu.Unlock()

	var errs []error
	for _, h := range m.shutdown {
		fields := logrus.Fields{"action": "lifecycle", "phase": "shutdown", "hook": h.ID, "priority": h.Priority}
		if err := h.Fn(ctx); err != nil {
			m.logger.WithFields(fields).WithError(err).Warn("lifecycle_hook_failed")
			errs = append(errs, fmt.Errorf("shutdown hook %s: %w", h.ID, err))
			continue
		}
		m.logger.WithFields(fields).Debug("lifecycle_hook_completed")
	}

	m.setState(StateStopped)
	m.logger.WithFields(logrus.Fields{"action": "lifecycle", "state": StateStopped}).Info("lifecycle_stopped")
	return errors.Join(errs...)
}
