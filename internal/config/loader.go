package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectStoreRevisions(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyBackendDefaults(&cfg)
	for i := range cfg.Stores {
		applyStoreDefaults(&cfg.Stores[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage/cache")
	v.SetDefault("HostedStoragePath", "./storage/hosted")
	v.SetDefault("PositiveCacheTTL", 86400)
	v.SetDefault("NegativeCacheTTL", "5m")
	v.SetDefault("CacheMaxEntries", 100000)
	v.SetDefault("CacheSweepInterval", "1m")
	v.SetDefault("PathIndexMaxEntries", 100000)
	v.SetDefault("LockWaitTimeout", "30s")
	v.SetDefault("FetchTimeout", "2m")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TransientNegativeThreshold", 3)
	v.SetDefault("FilterPolicy", "first-match")
	v.SetDefault("ConfigStore.Backend", "file")
	v.SetDefault("ContentBackend.Backend", "disk")
	v.SetDefault("Events.SubjectPrefix", "repohub.stores")
}

// applyGlobalDefaults 只回填不允许为零的字段；PositiveCacheTTL 为 0 表示永不过期，保持原值。
func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.NegativeCacheTTL.DurationValue() == 0 {
		g.NegativeCacheTTL = Duration(5 * time.Minute)
	}
	if g.CacheSweepInterval.DurationValue() == 0 {
		g.CacheSweepInterval = Duration(time.Minute)
	}
	if g.LockWaitTimeout.DurationValue() == 0 {
		g.LockWaitTimeout = Duration(30 * time.Second)
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(2 * time.Minute)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.FilterPolicy = strings.ToLower(strings.TrimSpace(g.FilterPolicy))
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
}

func applyBackendDefaults(cfg *Config) {
	cfg.ConfigStore.Backend = strings.ToLower(strings.TrimSpace(cfg.ConfigStore.Backend))
	if cfg.ConfigStore.Backend == "file" && cfg.ConfigStore.Dir == "" {
		cfg.ConfigStore.Dir = filepath.Join(filepath.Dir(cfg.Global.HostedStoragePath), "stores")
	}
	cfg.ContentBackend.Backend = strings.ToLower(strings.TrimSpace(cfg.ContentBackend.Backend))
}

func applyStoreDefaults(s *StoreConfig) {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.Name = strings.TrimSpace(s.Name)
	if s.PackageType == "" {
		s.PackageType = "maven"
	}
	s.PackageType = strings.ToLower(strings.TrimSpace(s.PackageType))
	if s.NegativeTTL.DurationValue() < 0 {
		s.NegativeTTL = Duration(0)
	}
}

func absolutize(cfg *Config) error {
	paths := []*string{&cfg.Global.StoragePath, &cfg.Global.HostedStoragePath}
	if cfg.ConfigStore.Backend == "file" {
		paths = append(paths, &cfg.ConfigStore.Dir)
	}
	for _, p := range paths {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("无法解析目录 %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectStoreRevisions 拒绝在 [[Store]] 中手写 Revision，修订号只能由 Registry 维护。
func rejectStoreRevisions(v *viper.Viper) error {
	raw := v.Get("Store")
	stores, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range stores {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range m {
			if !strings.EqualFold(key, "Revision") {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			} else if rawName, ok := m["name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(storeField(name, "Revision"), "修订号由仓库注册表维护，请移除该字段")
		}
	}

	return nil
}
