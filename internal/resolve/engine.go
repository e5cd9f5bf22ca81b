// Package resolve turns a (store, path) request into content. It walks the
// candidates of a group in declared member order, coalesces concurrent work
// per candidate through the lock manager, consults the content cache before
// fetching, and remembers the winning origin in the path index so repeated
// requests skip the walk.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/locks"
	"github.com/any-hub/repohub/internal/logging"
	"github.com/any-hub/repohub/internal/metrics"
	"github.com/any-hub/repohub/internal/pathindex"
	"github.com/any-hub/repohub/internal/pkgtype"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/store"
)

// Deployer 负责 hosted 仓库的写入与删除。
type Deployer interface {
	Deploy(ctx context.Context, repo *store.HostedRepository, path string, body io.Reader) (int64, error)
	Delete(ctx context.Context, repo *store.HostedRepository, path string) error
}

// Options 汇总引擎依赖。Registry 与 Cache 必填，其余为空时使用默认实现。
type Options struct {
	Registry *registry.Registry
	Cache    *cache.Cache
	Index    *pathindex.Index
	Locks    *locks.Manager
	Hosted   fetch.Fetcher
	Remote   fetch.Fetcher
	Storage  Deployer
	Logger   *logrus.Logger
	Metrics  metrics.Recorder
	// TransientThreshold 为同一 (候选, 路径) 连续暂时失败的次数上限，达到后写入负缓存；0 表示关闭。
	TransientThreshold int
	// PublicBase 返回客户端访问某仓库内容的路径前缀，供内容改写钩子使用。
	PublicBase func(store.StoreKey) string
	Now        func() time.Time
}

// Result 描述一次成功的解析。Stat 返回的 Result 没有 Body。
type Result struct {
	Store     store.StoreKey
	Origin    store.StoreKey
	Path      string
	Location  string
	Entry     cache.Entry
	Body      io.ReadSeekCloser
	FromIndex bool
}

type failureKey struct {
	store store.StoreKey
	path  string
}

// Engine 是内容解析入口。
type Engine struct {
	registry   *registry.Registry
	cache      *cache.Cache
	index      *pathindex.Index
	locks      *locks.Manager
	hosted     fetch.Fetcher
	remote     fetch.Fetcher
	storage    Deployer
	logger     *logrus.Logger
	metrics    metrics.Recorder
	threshold  int
	publicBase func(store.StoreKey) string
	now        func() time.Time

	failMu   sync.Mutex
	failures map[failureKey]int
}

// New 构造引擎并向 Registry 注册同步监听器：仓库变更会在写入返回前失效路径索引与内容缓存。
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("resolve: registry required")
	}
	if opts.Cache == nil {
		return nil, errors.New("resolve: cache required")
	}
	if opts.Index == nil {
		idx, err := pathindex.New(0)
		if err != nil {
			return nil, err
		}
		opts.Index = idx
	}
	if opts.Locks == nil {
		opts.Locks = locks.New(locks.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.PublicBase == nil {
		opts.PublicBase = DefaultPublicBase
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		registry:   opts.Registry,
		cache:      opts.Cache,
		index:      opts.Index,
		locks:      opts.Locks,
		hosted:     opts.Hosted,
		remote:     opts.Remote,
		storage:    opts.Storage,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		threshold:  opts.TransientThreshold,
		publicBase: opts.PublicBase,
		now:        opts.Now,
		failures:   make(map[failureKey]int),
	}
	opts.Registry.OnChange(e.handleChange)
	return e, nil
}

// DefaultPublicBase 返回 /api/content/<type>/<name>。
func DefaultPublicBase(key store.StoreKey) string {
	return "/api/content/" + string(key.Type) + "/" + key.Name
}

// Index 返回引擎使用的路径索引。
func (e *Engine) Index() *pathindex.Index {
	return e.index
}

// Resolve 解析内容并打开正文，调用方负责关闭 Result.Body。
func (e *Engine) Resolve(ctx context.Context, key store.StoreKey, path string) (*Result, error) {
	return e.resolve(ctx, key, path, true)
}

// Stat 与 Resolve 相同，但不打开正文。
func (e *Engine) Stat(ctx context.Context, key store.StoreKey, path string) (*Result, error) {
	return e.resolve(ctx, key, path, false)
}

func (e *Engine) resolve(ctx context.Context, key store.StoreKey, raw string, withBody bool) (res *Result, err error) {
	started := e.now()
	path := raw
	defer func() {
		e.observe(key, path, res, err, started)
	}()

	requested, ok := e.registry.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreUnknown, key)
	}
	meta := pkgtype.ResolveOrDefault(requested.Common().EffectivePackageType())
	path = meta.NormalizePath(raw)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}

	now := e.now()
	if !requested.Common().IsEnabledAt(now) {
		return nil, fmt.Errorf("%w: %s is disabled", ErrNotFound, key)
	}
	if filter, ok := e.registry.Filter(key); ok && !filter.Allows(path) {
		return nil, fmt.Errorf("%w: %s excludes %s", ErrNotFound, key, path)
	}

	if hit, ok := e.fromIndex(ctx, key, path, withBody, now); ok {
		return hit, nil
	}

	candidates := e.registry.Candidates(key, func(c registry.Candidate) bool {
		return c.Store.Common().IsEnabledAt(now) && c.Filter.Allows(path)
	})

	var failures []CandidateFailure
	absent := false
	for _, c := range candidates {
		origin := store.KeyOf(c.Store)
		entry, body, err := e.tryCandidate(ctx, key, c.Store, path, withBody)
		switch {
		case err == nil && entry.Exists:
			// 排在前面的候选暂时失败时不写索引，它恢复后仍按声明顺序优先。
			if len(failures) == 0 {
				e.index.Put(pathindex.Entry{
					Store:          key,
					Path:           path,
					Origin:         origin,
					Location:       entry.Location,
					StoreRevision:  requested.Common().Revision,
					OriginRevision: c.Store.Common().Revision,
				})
			}
			return &Result{
				Store:    key,
				Origin:   origin,
				Path:     path,
				Location: entry.Location,
				Entry:    *entry,
				Body:     body,
			}, nil
		case err == nil, fetch.IsAbsent(err):
			absent = true
		default:
			failures = append(failures, CandidateFailure{Store: origin, Err: err})
		}
	}

	if absent || len(failures) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, key, path)
	}
	return nil, &TransientError{Store: key, Path: path, Failures: failures}
}

// fromIndex 走路径索引快速路径，不获取资源锁。缓存条目已失效时删除索引记录并返回 false。
func (e *Engine) fromIndex(ctx context.Context, key store.StoreKey, path string, withBody bool, now time.Time) (*Result, bool) {
	indexed, ok := e.index.Lookup(key, path, e.registry.Revision)
	if !ok {
		return nil, false
	}
	origin, ok := e.registry.Get(indexed.Origin)
	if !ok || !origin.Common().IsEnabledAt(now) {
		e.index.InvalidatePath(key, path)
		return nil, false
	}
	entry, ok := e.cache.Get(ctx, indexed.Origin, path)
	if !ok || !entry.Exists {
		e.index.InvalidatePath(key, path)
		return nil, false
	}

	res := &Result{
		Store:     key,
		Origin:    indexed.Origin,
		Path:      path,
		Location:  entry.Location,
		Entry:     *entry,
		FromIndex: true,
	}
	if withBody {
		body, err := e.cache.Open(ctx, entry)
		if err != nil {
			e.index.InvalidatePath(key, path)
			return nil, false
		}
		res.Body = body
	}
	e.metrics.ObserveCacheLookup("hit")
	return res, true
}

// tryCandidate 在资源锁内装载候选内容。正文在锁外打开；若正文已被淘汰则重新装载一次。
func (e *Engine) tryCandidate(ctx context.Context, requested store.StoreKey, s store.ArtifactStore, path string, withBody bool) (*cache.Entry, io.ReadSeekCloser, error) {
	for attempt := 0; ; attempt++ {
		entry, err := e.loadLocked(ctx, requested, s, path)
		if err != nil || !entry.Exists || !withBody {
			return entry, nil, err
		}
		body, err := e.cache.Open(ctx, entry)
		if err == nil {
			return entry, body, nil
		}
		if !errors.Is(err, cache.ErrNotFound) || attempt > 0 {
			return nil, nil, fetch.Classify(err)
		}
	}
}

func (e *Engine) loadLocked(ctx context.Context, requested store.StoreKey, s store.ArtifactStore, path string) (*cache.Entry, error) {
	v, err := e.locks.WithLock(ctx, store.KeyOf(s), path, func(lockCtx context.Context) (any, error) {
		return e.fill(lockCtx, requested, s, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.Entry), nil
}

func (e *Engine) observe(key store.StoreKey, path string, res *Result, err error, started time.Time) {
	outcome := "found"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "unavailable"
	}

	var origin store.StoreKey
	fromIndex := false
	if res != nil {
		origin = res.Origin
		fromIndex = res.FromIndex
	}
	elapsed := e.now().Sub(started)
	e.metrics.ObserveResolve(outcome, fromIndex, elapsed)

	fields := logging.ResolveFields(key, path, origin, fromIndex)
	fields["action"] = "resolve"
	fields["outcome"] = outcome
	fields["elapsed_ms"] = elapsed.Milliseconds()
	entry := e.logger.WithFields(fields)
	switch outcome {
	case "unavailable":
		entry.WithError(err).Warn("resolve_failed")
	default:
		entry.Debug("resolve_completed")
	}
}
