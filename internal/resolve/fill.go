package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/pkgtype"
	"github.com/any-hub/repohub/internal/store"
)

// fill 在资源锁内运行：先查内容缓存，未命中时调用对应变体的 Fetcher，并把结果（含不存在）写回缓存。
// 读取期间该路径被 Deploy/Undeploy 失效时，旧结果不写入缓存并重新拉取一次。
func (e *Engine) fill(ctx context.Context, requested store.StoreKey, s store.ArtifactStore, path string) (*cache.Entry, error) {
	key := store.KeyOf(s)
	gen := e.cache.Generation(key, path)
	if entry, ok := e.cache.Get(ctx, key, path); ok {
		if entry.Exists {
			e.metrics.ObserveCacheLookup("hit")
		} else {
			e.metrics.ObserveCacheLookup("negative")
		}
		return entry, nil
	}
	e.metrics.ObserveCacheLookup("miss")

	meta := pkgtype.ResolveOrDefault(s.Common().EffectivePackageType())
	var (
		fetcher   fetch.Fetcher
		variant   string
		fetchPath = path
	)
	switch v := s.(type) {
	case *store.HostedRepository:
		fetcher, variant = e.hosted, "hosted"
	case *store.RemoteRepository:
		if v.CacheOnly {
			return nil, fmt.Errorf("%w: %s is cache-only", fetch.ErrAbsent, key)
		}
		fetcher, variant = e.remote, "remote"
		fetchPath = meta.UpstreamPath(path)
	case *store.Group:
		return nil, fmt.Errorf("%w: group %s has no content of its own", fetch.ErrAbsent, key)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%w: no %s fetcher configured", fetch.ErrTransient, variant)
	}

	for attempt := 0; ; attempt++ {
		entry, err := e.fetchInto(ctx, requested, s, path, fetchPath, meta, fetcher, variant, gen)
		if !errors.Is(err, cache.ErrInvalidated) || attempt > 0 {
			return entry, err
		}
		e.logger.WithFields(logrus.Fields{
			"action": "fetch",
			"store":  key.String(),
			"path":   path,
		}).Debug("fetch_superseded_by_write")
		gen = e.cache.Generation(key, path)
	}
}

// fetchInto 拉取一次内容并写入缓存。写入在 gen 之后被失效时返回 cache.ErrInvalidated。
func (e *Engine) fetchInto(ctx context.Context, requested store.StoreKey, s store.ArtifactStore, path, fetchPath string, meta pkgtype.Metadata, fetcher fetch.Fetcher, variant string, gen cache.Generation) (*cache.Entry, error) {
	key := store.KeyOf(s)
	started := e.now()
	res, err := fetcher.Fetch(ctx, s, fetchPath)
	if err != nil {
		err = fetch.Classify(err)
		if fetch.IsAbsent(err) {
			e.metrics.ObserveFetch(variant, "absent", e.now().Sub(started))
			e.resetFailures(key, path)
			return e.cache.PutNegativeSince(ctx, key, path, negativeTTL(s), gen)
		}
		e.metrics.ObserveFetch(variant, "transient", e.now().Sub(started))
		return e.transientFailure(ctx, s, path, err, gen)
	}
	defer res.Body.Close()

	entry, err := e.persist(ctx, requested, s, path, meta, res, gen)
	if errors.Is(err, cache.ErrInvalidated) {
		return nil, err
	}
	if err != nil {
		e.metrics.ObserveFetch(variant, "transient", e.now().Sub(started))
		return e.transientFailure(ctx, s, path, fetch.Classify(err), gen)
	}
	e.metrics.ObserveFetch(variant, "ok", e.now().Sub(started))
	e.resetFailures(key, path)
	return entry, nil
}

// persist 应用包类型的内容改写后写入缓存。
func (e *Engine) persist(ctx context.Context, requested store.StoreKey, s store.ArtifactStore, path string, meta pkgtype.Metadata, res *fetch.Result, gen cache.Generation) (*cache.Entry, error) {
	key := store.KeyOf(s)
	var body io.Reader = res.Body
	if remote, ok := s.(*store.RemoteRepository); ok && meta.Hooks.Transform != nil {
		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		hookCtx := &pkgtype.Context{
			Store:       requested,
			Origin:      key,
			PackageType: meta.Key,
			Upstream:    remote.URL,
			PublicBase:  e.publicBase(key),
		}
		out, err := meta.Transform(hookCtx, path, raw)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"action": "transform",
				"store":  key.String(),
				"path":   path,
			}).WithError(err).Warn("transform_failed")
			out = raw
		}
		body = bytes.NewReader(out)
	}

	contentType := ""
	if meta.Hooks.ContentType != nil {
		contentType = meta.Hooks.ContentType(path)
	}
	if contentType == "" {
		contentType = res.ContentType
	}
	if contentType == "" {
		contentType = meta.ContentType(path)
	}

	return e.cache.Put(ctx, key, path, body, cache.PutMeta{
		ContentType: contentType,
		Location:    res.Location,
		Source:      res.Source,
		Since:       &gen,
	}, positiveTTL(s, meta, path))
}

// transientFailure 记录连续暂时失败，达到阈值后写入负缓存，避免持续冲击不稳定的上游。
func (e *Engine) transientFailure(ctx context.Context, s store.ArtifactStore, path string, err error, gen cache.Generation) (*cache.Entry, error) {
	key := store.KeyOf(s)
	count := e.recordFailure(key, path)
	fields := logrus.Fields{
		"action":   "fetch",
		"store":    key.String(),
		"path":     path,
		"failures": count,
	}
	if e.threshold > 0 && count >= e.threshold {
		e.resetFailures(key, path)
		e.logger.WithFields(fields).WithError(err).Warn("transient_threshold_reached")
		if entry, perr := e.cache.PutNegativeSince(ctx, key, path, negativeTTL(s), gen); perr == nil {
			return entry, nil
		}
		return nil, err
	}
	e.logger.WithFields(fields).WithError(err).Info("fetch_transient_failure")
	return nil, err
}

func (e *Engine) recordFailure(key store.StoreKey, path string) int {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	k := failureKey{store: key, path: path}
	e.failures[k]++
	return e.failures[k]
}

func (e *Engine) resetFailures(key store.StoreKey, path string) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	delete(e.failures, failureKey{store: key, path: path})
}

func (e *Engine) resetStoreFailures(key store.StoreKey) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	for k := range e.failures {
		if k.store == key {
			delete(e.failures, k)
		}
	}
}

// positiveTTL 返回 -1 表示使用缓存默认值。元数据依次使用仓库的 MetadataTTL 与包类型的 MetadataTTL。
func positiveTTL(s store.ArtifactStore, meta pkgtype.Metadata, path string) time.Duration {
	if meta.IsMetadata(path) {
		if r, ok := s.(*store.RemoteRepository); ok && r.MetadataTTL > 0 {
			return r.MetadataTTL
		}
		if meta.Profile.MetadataTTL > 0 {
			return meta.Profile.MetadataTTL
		}
		return -1
	}
	if meta.Profile.ArtifactTTL > 0 {
		return meta.Profile.ArtifactTTL
	}
	return -1
}

func negativeTTL(s store.ArtifactStore) time.Duration {
	if r, ok := s.(*store.RemoteRepository); ok && r.NegativeTTL > 0 {
		return r.NegativeTTL
	}
	return 0
}
