package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/any-hub/repohub/internal/store"
)

const (
	DefaultPositiveTTL   = 24 * time.Hour
	DefaultNegativeTTL   = 5 * time.Minute
	DefaultMaxEntries    = 100000
	DefaultSweepInterval = time.Minute
)

// Options 控制缓存容量与过期策略。
type Options struct {
	Backend Backend
	// PositiveTTL 为 0 表示正缓存永不过期。
	PositiveTTL   time.Duration
	NegativeTTL   time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	Logger        *logrus.Logger
	Now           func() time.Time
}

// Cache 维护条目元数据并把正文委托给 Backend。
type Cache struct {
	backend     Backend
	positiveTTL time.Duration
	negativeTTL time.Duration
	sweepEvery  time.Duration
	logger      *logrus.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries *simplelru.LRU[Locator, *Entry]
	byStore map[store.StoreKey]map[string]struct{}
	gens    map[store.StoreKey]uint64
	// pathGens 由单路径 Invalidate 递增。
	pathGens map[Locator]uint64
	// dropped 收集被移出 LRU 的正缓存，释放锁后再删除正文。
	dropped []Locator

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New 构造缓存。Backend 不能为空。
func New(opts Options) (*Cache, error) {
	if opts.Backend == nil {
		return nil, errors.New("cache backend required")
	}
	if opts.PositiveTTL < 0 {
		opts.PositiveTTL = DefaultPositiveTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		backend:     opts.Backend,
		positiveTTL: opts.PositiveTTL,
		negativeTTL: opts.NegativeTTL,
		sweepEvery:  opts.SweepInterval,
		logger:      opts.Logger,
		now:         opts.Now,
		byStore:     make(map[store.StoreKey]map[string]struct{}),
		gens:        make(map[store.StoreKey]uint64),
		pathGens:    make(map[Locator]uint64),
	}
	lru, err := simplelru.NewLRU[Locator, *Entry](opts.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.entries = lru
	return c, nil
}

// PositiveTTL 返回正缓存默认 TTL，0 表示永不过期。
func (c *Cache) PositiveTTL() time.Duration { return c.positiveTTL }

// NegativeTTL 返回负缓存默认 TTL。
func (c *Cache) NegativeTTL() time.Duration { return c.negativeTTL }

// Len 返回当前条目数。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Get 返回仍然有效的条目副本；过期条目在读取时被移除。
func (c *Cache) Get(ctx context.Context, key store.StoreKey, path string) (*Entry, bool) {
	loc := Locator{Store: key, Path: path}

	c.mu.Lock()
	entry, ok := c.entries.Get(loc)
	if ok && !entry.FreshAt(c.now()) {
		c.entries.Remove(loc)
		ok = false
	}
	var out *Entry
	if ok {
		cp := *entry
		out = &cp
	}
	dropped := c.takeDropped()
	c.mu.Unlock()

	c.removeBodies(ctx, dropped)
	return out, ok
}

// Open 读取正缓存的正文。正文已丢失时移除元数据并返回 ErrNotFound。
func (c *Cache) Open(ctx context.Context, entry *Entry) (io.ReadSeekCloser, error) {
	if entry == nil || !entry.Exists {
		return nil, ErrNotFound
	}
	body, _, err := c.backend.Open(ctx, entry.Locator)
	if errors.Is(err, ErrNotFound) {
		c.mu.Lock()
		if current, ok := c.entries.Peek(entry.Locator); ok && current.FetchedAt.Equal(entry.FetchedAt) {
			c.entries.Remove(entry.Locator)
			c.dropped = nil
		}
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"action": "cache_open",
			"store":  entry.Locator.Store.String(),
			"path":   entry.Locator.Path,
		}).Warn("cached body missing, entry dropped")
		return nil, ErrNotFound
	}
	return body, err
}

// Generation 返回 (key, path) 当前的失效代数。调用方在读取源内容之前取得，
// 并通过 PutMeta.Since 或 PutNegativeSince 交回，以拒绝在此期间已被失效的旧内容。
func (c *Cache) Generation(key store.StoreKey, path string) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(Locator{Store: key, Path: path})
}

func (c *Cache) generationLocked(loc Locator) Generation {
	return Generation{store: c.gens[loc.Store], path: c.pathGens[loc]}
}

// Put 写入正文并登记正缓存。ttl 为 0 表示永不过期，小于 0 时使用默认正缓存 TTL。
// 写入期间或 meta.Since 之后若该条目被 Invalidate，正文被丢弃并返回 ErrInvalidated。
func (c *Cache) Put(ctx context.Context, key store.StoreKey, path string, body io.Reader, meta PutMeta, ttl time.Duration) (*Entry, error) {
	if ttl < 0 {
		ttl = c.positiveTTL
	}
	loc := Locator{Store: key, Path: path}

	c.mu.Lock()
	gen := c.generationLocked(loc)
	if meta.Since != nil && *meta.Since != gen {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidated, key, path)
	}
	c.mu.Unlock()

	hasher := blake3.New()
	written, err := c.backend.Write(ctx, loc, io.TeeReader(body, hasher), ttl)
	if err != nil {
		return nil, fmt.Errorf("write cache body %s/%s: %w", key, path, err)
	}

	now := c.now().UTC()
	entry := &Entry{
		Locator:     loc,
		Exists:      true,
		SizeBytes:   written,
		Digest:      hex.EncodeToString(hasher.Sum(nil)),
		ContentType: meta.ContentType,
		Location:    meta.Location,
		Source:      meta.Source,
		FetchedAt:   now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	if c.generationLocked(loc) != gen {
		c.mu.Unlock()
		_ = c.backend.Remove(ctx, loc)
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidated, key, path)
	}
	c.add(entry)
	dropped := c.takeDropped()
	c.mu.Unlock()

	c.removeBodies(ctx, dropped)
	cp := *entry
	return &cp, nil
}

// PutNegative 登记负缓存。ttl 小于等于 0 时使用默认负缓存 TTL。
func (c *Cache) PutNegative(ctx context.Context, key store.StoreKey, path string, ttl time.Duration) *Entry {
	entry, _ := c.putNegative(ctx, key, path, ttl, nil)
	return entry
}

// PutNegativeSince 与 PutNegative 相同，但条目在 since 之后被失效过时拒绝写入并返回 ErrInvalidated。
func (c *Cache) PutNegativeSince(ctx context.Context, key store.StoreKey, path string, ttl time.Duration, since Generation) (*Entry, error) {
	return c.putNegative(ctx, key, path, ttl, &since)
}

func (c *Cache) putNegative(ctx context.Context, key store.StoreKey, path string, ttl time.Duration, since *Generation) (*Entry, error) {
	if ttl <= 0 {
		ttl = c.negativeTTL
	}
	loc := Locator{Store: key, Path: path}
	now := c.now().UTC()
	entry := &Entry{
		Locator:   loc,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	if since != nil && *since != c.generationLocked(loc) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidated, key, path)
	}
	prev, hadPositive := c.entries.Peek(loc)
	hadPositive = hadPositive && prev.Exists
	c.add(entry)
	dropped := c.takeDropped()
	c.mu.Unlock()

	if hadPositive {
		dropped = append(dropped, loc)
	}
	c.removeBodies(ctx, dropped)
	cp := *entry
	return &cp, nil
}

// Invalidate 移除 key 下的条目；path 为 nil 时移除该仓库的全部条目与正文。返回移除的条目数。
func (c *Cache) Invalidate(ctx context.Context, key store.StoreKey, path *string) int {
	c.mu.Lock()
	var removed int
	if path != nil {
		loc := Locator{Store: key, Path: *path}
		c.pathGens[loc]++
		if c.entries.Remove(loc) {
			removed = 1
		}
		dropped := c.takeDropped()
		c.mu.Unlock()
		c.removeBodies(ctx, dropped)
		return removed
	}

	c.gens[key]++
	for loc := range c.pathGens {
		if loc.Store == key {
			delete(c.pathGens, loc)
		}
	}
	for p := range c.byStore[key] {
		if c.entries.Remove(Locator{Store: key, Path: p}) {
			removed++
		}
	}
	delete(c.byStore, key)
	c.dropped = nil
	c.mu.Unlock()

	if err := c.backend.RemoveStore(ctx, key); err != nil {
		c.logger.WithFields(logrus.Fields{"action": "cache_invalidate", "store": key.String()}).
			WithError(err).Warn("remove store content failed")
	}
	return removed
}

// Sweep 清理所有过期条目，返回清理数量。
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	var removed int
	for _, loc := range c.entries.Keys() {
		entry, ok := c.entries.Peek(loc)
		if ok && !entry.FreshAt(now) {
			c.entries.Remove(loc)
			removed++
		}
	}
	dropped := c.takeDropped()
	c.mu.Unlock()

	c.removeBodies(ctx, dropped)
	return removed
}

// Start 启动后台清理协程，Stop 前只能调用一次。
func (c *Cache) Start() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.sweepLoop()
}

// Stop 停止后台清理并等待协程退出。
func (c *Cache) Stop() {
	if c.stop == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(context.Background()); n > 0 {
				c.logger.WithFields(logrus.Fields{"action": "cache_sweep", "removed": n}).Debug("expired entries removed")
			}
		}
	}
}

// add 调用方需持有 mu。
func (c *Cache) add(entry *Entry) {
	c.entries.Add(entry.Locator, entry)
	paths := c.byStore[entry.Locator.Store]
	if paths == nil {
		paths = make(map[string]struct{})
		c.byStore[entry.Locator.Store] = paths
	}
	paths[entry.Locator.Path] = struct{}{}
}

// onEvict 在 mu 内由 LRU 回调，覆盖容量淘汰与显式 Remove 两种情况。
func (c *Cache) onEvict(loc Locator, entry *Entry) {
	if paths := c.byStore[loc.Store]; paths != nil {
		delete(paths, loc.Path)
		if len(paths) == 0 {
			delete(c.byStore, loc.Store)
		}
	}
	if entry.Exists {
		c.dropped = append(c.dropped, loc)
	}
}

func (c *Cache) takeDropped() []Locator {
	out := c.dropped
	c.dropped = nil
	return out
}

func (c *Cache) removeBodies(ctx context.Context, locs []Locator) {
	for _, loc := range locs {
		if err := c.backend.Remove(ctx, loc); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "cache_remove",
				"store":  loc.Store.String(),
				"path":   loc.Path,
			}).WithError(err).Warn("remove cached body failed")
		}
	}
}
