package config

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/pkgtype"
	"github.com/any-hub/repohub/internal/store"
)

const (
	supportedConfigStores    = "memory|file|redis"
	supportedContentBackends = "disk|redis"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Global.validate(); err != nil {
		return err
	}

	switch c.ConfigStore.Backend {
	case "memory":
	case "file":
		if c.ConfigStore.Dir == "" {
			return newFieldError("ConfigStore.Dir", "file 后端需要目录")
		}
	case "redis":
		if c.ConfigStore.RedisURL == "" {
			return newFieldError("ConfigStore.RedisURL", "redis 后端需要 RedisURL")
		}
	default:
		return newFieldError("ConfigStore.Backend", "仅支持 "+supportedConfigStores)
	}

	switch c.ContentBackend.Backend {
	case "disk":
	case "redis":
		if c.ContentBackend.RedisURL == "" {
			return newFieldError("ContentBackend.RedisURL", "redis 后端需要 RedisURL")
		}
	default:
		return newFieldError("ContentBackend.Backend", "仅支持 "+supportedContentBackends)
	}

	if c.Events.NatsURL != "" && c.Events.SubjectPrefix == "" {
		return newFieldError("Events.SubjectPrefix", "启用 NATS 时不能为空")
	}

	seen := map[store.StoreKey]struct{}{}
	for i := range c.Stores {
		s := &c.Stores[i]
		if s.Name == "" {
			return newFieldError("Store[].Name", "不能为空")
		}
		key, err := s.Key()
		if err != nil {
			return fmt.Errorf("%s: %w", storeField(s.Name, "Type/Name"), err)
		}
		if _, exists := seen[key]; exists {
			return newFieldError(storeField(s.Name, "Name"), "重复")
		}
		seen[key] = struct{}{}

		if _, ok := pkgtype.Resolve(s.PackageType); !ok {
			return newFieldError(storeField(s.Name, "PackageType"), fmt.Sprintf("未注册包类型: %s", s.PackageType))
		}
		if key.Type != store.TypeRemote && s.URL != "" {
			return newFieldError(storeField(s.Name, "URL"), "只有 remote 仓库可以配置 URL")
		}
		if key.Type != store.TypeGroup && len(s.Members) > 0 {
			return newFieldError(storeField(s.Name, "Members"), "只有 group 可以配置成员")
		}
		built, err := s.ToStore()
		if err != nil {
			return fmt.Errorf("%s: %w", storeField(s.Name, "Members"), err)
		}
		if err := store.Validate(built); err != nil {
			return fmt.Errorf("%s: %w", storeField(s.Name, "Definition"), err)
		}
	}

	return nil
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", err.Error())
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.HostedStoragePath == "" {
		return newFieldError("Global.HostedStoragePath", "不能为空")
	}
	if g.PositiveCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.PositiveCacheTTL", "不能为负数")
	}
	if g.NegativeCacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.NegativeCacheTTL", "必须大于 0")
	}
	if g.CacheMaxEntries <= 0 {
		return newFieldError("Global.CacheMaxEntries", "必须大于 0")
	}
	if g.CacheSweepInterval.DurationValue() <= 0 {
		return newFieldError("Global.CacheSweepInterval", "必须大于 0")
	}
	if g.PathIndexMaxEntries <= 0 {
		return newFieldError("Global.PathIndexMaxEntries", "必须大于 0")
	}
	if g.LockWaitTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LockWaitTimeout", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TransientNegativeThreshold < 0 {
		return newFieldError("Global.TransientNegativeThreshold", "不能为负数")
	}
	if _, err := store.ParseFilterPolicy(g.FilterPolicy); err != nil {
		return newFieldError("Global.FilterPolicy", err.Error())
	}
	return nil
}

// Policy 返回解析后的路径过滤策略，假定 Validate 已经通过。
func (g GlobalConfig) Policy() store.FilterPolicy {
	policy, err := store.ParseFilterPolicy(g.FilterPolicy)
	if err != nil {
		return store.FilterFirstMatch
	}
	return policy
}
