// Package registry is the in-memory directory of every ArtifactStore. Reads
// are served from an immutable snapshot swapped atomically on each committed
// write, so resolution never blocks on configuration changes and never sees a
// half-applied update. Writes are serialized, checked against the caller's
// expected revision, persisted through a ConfigStore and then published as
// ChangeEvents to synchronous listeners and buffered subscribers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/logging"
	"github.com/any-hub/repohub/internal/registry/configstore"
	"github.com/any-hub/repohub/internal/store"
)

// Options 用于构造 Registry。
type Options struct {
	// ConfigStore 为空时只保存在内存中。
	ConfigStore  configstore.ConfigStore
	Logger       *logrus.Logger
	FilterPolicy store.FilterPolicy
	Now          func() time.Time
}

// PutOptions 控制一次写入的并发语义与审计信息。
type PutOptions struct {
	// ExpectedRevision 为 nil 表示创建；否则必须与当前修订号一致。
	ExpectedRevision *int64
	// Overwrite 允许创建时覆盖已存在的仓库。
	Overwrite bool
	User      string
	Summary   string
}

// Candidate 是解析时的候选仓库及其编译后的路径过滤器。
type Candidate struct {
	Store  store.ArtifactStore
	Filter *store.PathFilter
}

type entry struct {
	store  store.ArtifactStore
	filter *store.PathFilter
	token  int64
}

type snapshot struct {
	entries map[store.StoreKey]*entry
}

func (s *snapshot) lookup(key store.StoreKey) (store.ArtifactStore, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.store, true
}

func (s *snapshot) with(key store.StoreKey, e *entry) *snapshot {
	next := &snapshot{entries: make(map[store.StoreKey]*entry, len(s.entries)+1)}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	if e == nil {
		delete(next.entries, key)
	} else {
		next.entries[key] = e
	}
	return next
}

// Registry 持有全部仓库配置。
type Registry struct {
	cfg    configstore.ConfigStore
	logger *logrus.Logger
	policy store.FilterPolicy
	now    func() time.Time

	snap atomic.Pointer[snapshot]

	writeMu   sync.Mutex
	revisions map[store.StoreKey]int64
	listeners []Listener

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

// New 构造空的 Registry，需要调用 Load 从持久化后端加载。
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.FilterPolicy
	if policy == "" {
		policy = store.FilterFirstMatch
	}
	r := &Registry{
		cfg:       opts.ConfigStore,
		logger:    logger,
		policy:    policy,
		now:       now,
		revisions: make(map[store.StoreKey]int64),
		subs:      make(map[*subscriber]struct{}),
	}
	r.snap.Store(&snapshot{entries: map[store.StoreKey]*entry{}})
	return r
}

// FilterPolicy 返回编译路径过滤器时使用的策略。
func (r *Registry) FilterPolicy() store.FilterPolicy {
	return r.policy
}

// Get 返回已发布的仓库。返回值只读，修改前必须 Clone。
func (r *Registry) Get(key store.StoreKey) (store.ArtifactStore, bool) {
	return r.snap.Load().lookup(key)
}

// Revision 返回当前修订号。
func (r *Registry) Revision(key store.StoreKey) (int64, bool) {
	s, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	return s.Common().Revision, true
}

// Filter 返回仓库编译后的路径过滤器。
func (r *Registry) Filter(key store.StoreKey) (*store.PathFilter, bool) {
	e, ok := r.snap.Load().entries[key]
	if !ok {
		return nil, false
	}
	return e.filter, true
}

// List 按 StoreKey 排序返回仓库，types 为空时返回全部。
func (r *Registry) List(types ...store.StoreType) []store.ArtifactStore {
	snap := r.snap.Load()
	out := make([]store.ArtifactStore, 0, len(snap.entries))
	for key, e := range snap.entries {
		if len(types) > 0 && !slices.Contains(types, key.Type) {
			continue
		}
		out = append(out, e.store)
	}
	slices.SortFunc(out, func(a, b store.ArtifactStore) int {
		return store.KeyOf(a).Compare(store.KeyOf(b))
	})
	return out
}

// Put 校验并提交仓库配置，返回已发布的新版本。
func (r *Registry) Put(ctx context.Context, s store.ArtifactStore, opts PutOptions) (store.ArtifactStore, error) {
	if s == nil {
		return nil, &store.ValidationError{Field: "store", Reason: "must not be nil"}
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.putLocked(ctx, s.Clone(), opts)
}

func (r *Registry) putLocked(ctx context.Context, candidate store.ArtifactStore, opts PutOptions) (store.ArtifactStore, error) {
	if err := store.Validate(candidate); err != nil {
		return nil, err
	}
	filter, err := store.FilterFor(candidate, r.policy)
	if err != nil {
		return nil, err
	}

	key := store.KeyOf(candidate)
	cur := r.snap.Load()
	prev, exists := cur.entries[key]

	switch {
	case opts.ExpectedRevision == nil:
		if exists && !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrStoreExists, key)
		}
	case !exists:
		if *opts.ExpectedRevision != 0 {
			return nil, fmt.Errorf("%w: %s no longer exists", ErrConflict, key)
		}
	case prev.store.Common().Revision != *opts.ExpectedRevision:
		return nil, fmt.Errorf("%w: %s expected revision %d, current %d",
			ErrConflict, key, *opts.ExpectedRevision, prev.store.Common().Revision)
	}

	if g, ok := candidate.(*store.Group); ok {
		lookup := func(k store.StoreKey) (store.ArtifactStore, bool) {
			if k == key {
				return g, true
			}
			return cur.lookup(k)
		}
		if err := ValidateMembers(key, lookup); err != nil {
			return nil, err
		}
	}

	var prevStore store.ArtifactStore
	var expectedToken int64
	if exists {
		prevStore = prev.store
		expectedToken = prev.token
	}
	r.stamp(candidate, prevStore, opts)
	candidate.Common().Revision = r.revisions[key] + 1

	token, err := r.persist(ctx, candidate, expectedToken)
	if err != nil {
		return nil, err
	}

	r.snap.Store(cur.with(key, &entry{store: candidate, filter: filter, token: token}))
	r.revisions[key] = candidate.Common().Revision

	kind := ChangeCreated
	var oldRev int64
	if exists {
		kind = ChangeUpdated
		oldRev = prevStore.Common().Revision
	}
	ev := r.newEvent(key, kind, oldRev, candidate.Common().Revision, store.MaterialChange(prevStore, candidate))
	r.logger.WithFields(logging.StoreFields(key, ev.NewRevision)).
		WithFields(logrus.Fields{"action": "store_put", "kind": ev.Kind, "material": ev.Material, "user": opts.User}).
		Info("store committed")
	r.publish(ev)
	return candidate, nil
}

// stamp 写入审计元数据并维护 DisabledAt。
func (r *Registry) stamp(candidate, prev store.ArtifactStore, opts PutOptions) {
	base := candidate.Common()
	now := r.now().UTC()
	if base.Metadata == nil {
		base.Metadata = make(map[string]string)
	}
	created := now.Format(time.RFC3339)
	if prev != nil {
		if v := prev.Common().Metadata[store.MetaCreatedAt]; v != "" {
			created = v
		}
	}
	base.Metadata[store.MetaCreatedAt] = created
	base.Metadata[store.MetaUpdatedAt] = now.Format(time.RFC3339)
	if opts.User != "" {
		base.Metadata[store.MetaUser] = opts.User
	}
	if opts.Summary != "" {
		base.Metadata[store.MetaChangelog] = opts.Summary
	}

	switch {
	case !base.Disabled:
		base.DisabledAt = time.Time{}
	case prev != nil && prev.Common().Disabled && !prev.Common().DisabledAt.IsZero() && base.DisabledAt.IsZero():
		base.DisabledAt = prev.Common().DisabledAt
	case base.DisabledAt.IsZero():
		base.DisabledAt = now
	}
}

func (r *Registry) persist(ctx context.Context, s store.ArtifactStore, expected int64) (int64, error) {
	if r.cfg == nil {
		return expected + 1, nil
	}
	data, err := store.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", store.KeyOf(s), err)
	}
	token, err := r.cfg.Put(ctx, configstore.Record{Key: store.KeyOf(s), Data: data}, expected)
	if errors.Is(err, configstore.ErrTokenMismatch) {
		return 0, fmt.Errorf("%w: %s changed in config store", ErrConflict, store.KeyOf(s))
	}
	if err != nil {
		return 0, fmt.Errorf("persist %s: %w", store.KeyOf(s), err)
	}
	return token, nil
}

// Remove 删除仓库。仍引用该仓库的组不会被改写，可通过 ValidateReferences 发现。
func (r *Registry) Remove(ctx context.Context, key store.StoreKey, summary string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.removeLocked(ctx, key, summary)
}

func (r *Registry) removeLocked(ctx context.Context, key store.StoreKey, summary string) error {
	cur := r.snap.Load()
	prev, ok := cur.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, key)
	}
	if r.cfg != nil {
		err := r.cfg.Delete(ctx, key, prev.token)
		switch {
		case errors.Is(err, configstore.ErrTokenMismatch):
			return fmt.Errorf("%w: %s changed in config store", ErrConflict, key)
		case err != nil && !errors.Is(err, configstore.ErrRecordNotFound):
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}

	r.snap.Store(cur.with(key, nil))
	oldRev := prev.store.Common().Revision
	ev := r.newEvent(key, ChangeDeleted, oldRev, 0, true)
	r.logger.WithFields(logging.StoreFields(key, oldRev)).
		WithFields(logrus.Fields{"action": "store_remove", "changelog": summary}).
		Info("store removed")
	r.publish(ev)
	return nil
}

// Rename 以删除+创建的方式更换名称，保留类型；目标已存在时返回 ErrStoreExists。
func (r *Registry) Rename(ctx context.Context, from store.StoreKey, toName string, opts PutOptions) (store.ArtifactStore, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.snap.Load()
	prev, ok := cur.entries[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, from)
	}
	target := store.NewKey(from.Type, toName)
	if _, exists := cur.entries[target]; exists {
		return nil, fmt.Errorf("%w: %s", ErrStoreExists, target)
	}

	renamed := prev.store.Clone()
	renamed.Common().Key = target
	renamed.Common().Revision = 0
	if g, ok := renamed.(*store.Group); ok {
		for i, m := range g.Members {
			if m == target {
				return nil, &store.ValidationError{Field: fmt.Sprintf("members[%d]", i), Reason: "group must not contain itself"}
			}
		}
	}
	opts.ExpectedRevision = nil
	opts.Overwrite = false
	if opts.Summary == "" {
		opts.Summary = "renamed from " + from.String()
	}
	created, err := r.putLocked(ctx, renamed, opts)
	if err != nil {
		return nil, err
	}
	if err := r.removeLocked(ctx, from, opts.Summary); err != nil {
		return nil, fmt.Errorf("rename %s: created %s but failed to remove source: %w", from, target, err)
	}
	return created, nil
}

// Load 从 ConfigStore 读取全部记录并替换当前快照。
// 无法解码或校验失败的记录会被跳过并记录日志；与旧快照的差异会作为变更事件发布。
func (r *Registry) Load(ctx context.Context) error {
	if r.cfg == nil {
		return nil
	}
	records, err := r.cfg.List(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}

	entries := make(map[store.StoreKey]*entry, len(records))
	for _, rec := range records {
		s, err := store.Unmarshal(rec.Data)
		if err == nil {
			err = store.Validate(s)
		}
		var filter *store.PathFilter
		if err == nil {
			filter, err = store.FilterFor(s, r.policy)
		}
		if err != nil {
			r.logger.WithFields(logrus.Fields{"action": "store_load", "key": rec.Key.String()}).
				WithError(err).Warn("skip invalid store record")
			continue
		}
		entries[store.KeyOf(s)] = &entry{store: s, filter: filter, token: rec.Token}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.snap.Load()
	next := &snapshot{entries: entries}
	for key, e := range entries {
		if rev := e.store.Common().Revision; rev > r.revisions[key] {
			r.revisions[key] = rev
		}
		if g, ok := e.store.(*store.Group); ok {
			if err := ValidateMembers(g.Key, next.lookup); err != nil {
				r.logger.WithFields(logging.StoreFields(key, g.Revision)).
					WithError(err).Warn("loaded group contains a cycle")
			}
		}
	}
	r.snap.Store(next)

	for key, e := range entries {
		prev, existed := old.entries[key]
		switch {
		case !existed:
			r.publish(r.newEvent(key, ChangeCreated, 0, e.store.Common().Revision, true))
		case prev.store.Common().Revision != e.store.Common().Revision:
			r.publish(r.newEvent(key, ChangeUpdated, prev.store.Common().Revision, e.store.Common().Revision,
				store.MaterialChange(prev.store, e.store)))
		}
	}
	for key, prev := range old.entries {
		if _, ok := entries[key]; !ok {
			r.publish(r.newEvent(key, ChangeDeleted, prev.store.Common().Revision, 0, true))
		}
	}

	for _, orphan := range r.ValidateReferences() {
		r.logger.WithFields(logrus.Fields{
			"action": "store_load",
			"group":  orphan.Group.String(),
			"member": orphan.Member.String(),
		}).Warn("group references a missing store")
	}
	r.logger.WithFields(logrus.Fields{"action": "store_load", "stores": len(entries)}).Info("registry loaded")
	return nil
}

// Reload 是 Load 的别名，供管理接口在外部修改配置后刷新。
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

func logrusFields(ev ChangeEvent) logrus.Fields {
	fields := logging.StoreFields(ev.Key, ev.NewRevision)
	fields["action"] = "change_event"
	fields["kind"] = string(ev.Kind)
	return fields
}
