package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/logging"
	"github.com/any-hub/repohub/internal/pkgtype"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/store"
)

// ClearCache 清除 key 的缓存内容与路径索引。path 为 nil 时清除全部路径。
// 对组仓库会清除其全部具体成员的缓存，以及以该组为请求方的索引记录。返回移除的缓存条目数。
func (e *Engine) ClearCache(ctx context.Context, key store.StoreKey, path *string) (int, error) {
	s, ok := e.registry.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStoreUnknown, key)
	}
	var target *string
	if path != nil {
		clean := pkgtype.ResolveOrDefault(s.Common().EffectivePackageType()).NormalizePath(*path)
		target = &clean
	}

	origins := []store.StoreKey{key}
	if _, isGroup := s.(*store.Group); isGroup {
		origins = origins[:0]
		for _, c := range e.registry.Candidates(key, nil) {
			origins = append(origins, store.KeyOf(c.Store))
		}
	}
	requesters := append([]store.StoreKey{key}, e.registry.Containers(key)...)

	removed := 0
	for _, origin := range origins {
		removed += e.cache.Invalidate(ctx, origin, target)
		if target == nil {
			e.index.InvalidateOrigin(origin)
			e.resetStoreFailures(origin)
		} else {
			e.resetFailures(origin, *target)
		}
	}
	for _, r := range requesters {
		if target == nil {
			e.index.InvalidateStore(r)
		} else {
			e.index.InvalidatePath(r, *target)
		}
	}

	fields := logging.StoreFields(key, s.Common().Revision)
	fields["action"] = "clear_cache"
	fields["removed"] = removed
	if target != nil {
		fields["path"] = *target
	}
	e.logger.WithFields(fields).Info("cache_cleared")
	return removed, nil
}

// Deploy 把内容写入 hosted 仓库，随后失效该路径在仓库自身及所有包含它的组中的缓存与索引。
func (e *Engine) Deploy(ctx context.Context, key store.StoreKey, path string, body io.Reader) (int64, error) {
	repo, clean, err := e.hostedTarget(key, path)
	if err != nil {
		return 0, err
	}
	written, err := e.storage.Deploy(ctx, repo, clean, body)
	if err != nil {
		return 0, fmt.Errorf("deploy %s %s: %w", key, clean, err)
	}
	e.afterWrite(ctx, key, clean)
	e.logger.WithFields(logrus.Fields{
		"action": "deploy",
		"store":  key.String(),
		"path":   clean,
		"bytes":  written,
	}).Info("content_deployed")
	return written, nil
}

// Undeploy 删除 hosted 仓库中的内容，不存在时返回 ErrNotFound。
func (e *Engine) Undeploy(ctx context.Context, key store.StoreKey, path string) error {
	repo, clean, err := e.hostedTarget(key, path)
	if err != nil {
		return err
	}
	if err := e.storage.Delete(ctx, repo, clean); err != nil {
		if errors.Is(err, fetch.ErrAbsent) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, key, clean)
		}
		return fmt.Errorf("undeploy %s %s: %w", key, clean, err)
	}
	e.afterWrite(ctx, key, clean)
	e.logger.WithFields(logrus.Fields{
		"action": "undeploy",
		"store":  key.String(),
		"path":   clean,
	}).Info("content_removed")
	return nil
}

func (e *Engine) hostedTarget(key store.StoreKey, path string) (*store.HostedRepository, string, error) {
	s, ok := e.registry.Get(key)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrStoreUnknown, key)
	}
	repo, ok := s.(*store.HostedRepository)
	if !ok || e.storage == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNotHosted, key)
	}
	clean := pkgtype.ResolveOrDefault(repo.EffectivePackageType()).NormalizePath(path)
	if clean == "" {
		return nil, "", fmt.Errorf("%w: empty path", store.ErrInvalid)
	}
	return repo, clean, nil
}

func (e *Engine) afterWrite(ctx context.Context, key store.StoreKey, path string) {
	e.cache.Invalidate(ctx, key, &path)
	e.resetFailures(key, path)
	e.index.InvalidatePath(key, path)
	for _, group := range e.registry.Containers(key) {
		e.index.InvalidatePath(group, path)
	}
}

// handleChange 在 Registry 写锁内同步执行：先失效路径索引，再在配置实质变化时丢弃该仓库的缓存内容。
func (e *Engine) handleChange(ev registry.ChangeEvent) {
	e.index.Listener(e.registry.Containers)(ev)
	if !ev.Material {
		return
	}
	removed := e.cache.Invalidate(context.Background(), ev.Key, nil)
	e.resetStoreFailures(ev.Key)
	if removed > 0 {
		fields := logging.StoreFields(ev.Key, ev.NewRevision)
		fields["action"] = "cache_invalidate"
		fields["removed"] = removed
		e.logger.WithFields(fields).Info("store_change_invalidated_cache")
	}
}
