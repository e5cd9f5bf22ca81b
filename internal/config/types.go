package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/repohub/internal/store"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存策略与各类超时。
type GlobalConfig struct {
	ListenPort                 int      `mapstructure:"ListenPort"`
	LogLevel                   string   `mapstructure:"LogLevel"`
	LogFilePath                string   `mapstructure:"LogFilePath"`
	LogMaxSize                 int      `mapstructure:"LogMaxSize"`
	LogMaxBackups              int      `mapstructure:"LogMaxBackups"`
	LogCompress                bool     `mapstructure:"LogCompress"`
	StoragePath                string   `mapstructure:"StoragePath"`
	HostedStoragePath          string   `mapstructure:"HostedStoragePath"`
	PositiveCacheTTL           Duration `mapstructure:"PositiveCacheTTL"`
	NegativeCacheTTL           Duration `mapstructure:"NegativeCacheTTL"`
	CacheMaxEntries            int      `mapstructure:"CacheMaxEntries"`
	CacheSweepInterval         Duration `mapstructure:"CacheSweepInterval"`
	PathIndexMaxEntries        int      `mapstructure:"PathIndexMaxEntries"`
	LockWaitTimeout            Duration `mapstructure:"LockWaitTimeout"`
	FetchTimeout               Duration `mapstructure:"FetchTimeout"`
	UpstreamTimeout            Duration `mapstructure:"UpstreamTimeout"`
	TransientNegativeThreshold int      `mapstructure:"TransientNegativeThreshold"`
	FilterPolicy               string   `mapstructure:"FilterPolicy"`
}

// ConfigStoreConfig 选择仓库配置的持久化后端。
type ConfigStoreConfig struct {
	Backend  string `mapstructure:"Backend"`
	Dir      string `mapstructure:"Dir"`
	RedisURL string `mapstructure:"RedisURL"`
}

// ContentBackendConfig 选择内容缓存字节的存放位置。
type ContentBackendConfig struct {
	Backend  string `mapstructure:"Backend"`
	RedisURL string `mapstructure:"RedisURL"`
}

// EventsConfig 控制变更事件转发到 NATS，NatsURL 为空时关闭。
type EventsConfig struct {
	NatsURL       string `mapstructure:"NatsURL"`
	SubjectPrefix string `mapstructure:"SubjectPrefix"`
}

// StoreConfig 是 [[Store]] 中声明的种子仓库，仅在仓库尚不存在时写入 Registry。
type StoreConfig struct {
	Type             string   `mapstructure:"Type"`
	Name             string   `mapstructure:"Name"`
	PackageType      string   `mapstructure:"PackageType"`
	Description      string   `mapstructure:"Description"`
	URL              string   `mapstructure:"URL"`
	Username         string   `mapstructure:"Username"`
	Password         string   `mapstructure:"Password"`
	Members          []string `mapstructure:"Members"`
	Disabled         bool     `mapstructure:"Disabled"`
	DisableTimeout   Duration `mapstructure:"DisableTimeout"`
	CacheOnly        bool     `mapstructure:"CacheOnly"`
	ConnectTimeout   Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout      Duration `mapstructure:"ReadTimeout"`
	MetadataTTL      Duration `mapstructure:"MetadataTTL"`
	NegativeTTL      Duration `mapstructure:"NegativeTTL"`
	StorageDir       string   `mapstructure:"StorageDir"`
	AllowSnapshots   bool     `mapstructure:"AllowSnapshots"`
	Readonly         bool     `mapstructure:"Readonly"`
	AllowedPatterns  []string `mapstructure:"AllowedPatterns"`
	ExcludedPatterns []string `mapstructure:"ExcludedPatterns"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global         GlobalConfig         `mapstructure:",squash"`
	ConfigStore    ConfigStoreConfig    `mapstructure:"ConfigStore"`
	ContentBackend ContentBackendConfig `mapstructure:"ContentBackend"`
	Events         EventsConfig         `mapstructure:"Events"`
	Stores         []StoreConfig        `mapstructure:"Store"`
}

// Key 返回种子仓库的 StoreKey。
func (s StoreConfig) Key() (store.StoreKey, error) {
	t, err := store.ParseStoreType(s.Type)
	if err != nil {
		return store.StoreKey{}, err
	}
	key := store.NewKey(t, strings.TrimSpace(s.Name))
	return key, key.Validate()
}

// ToStore 将种子配置转换为对应的 ArtifactStore 变体。
func (s StoreConfig) ToStore() (store.ArtifactStore, error) {
	key, err := s.Key()
	if err != nil {
		return nil, err
	}

	var out store.ArtifactStore
	switch key.Type {
	case store.TypeHosted:
		h := store.NewHosted(key.Name)
		h.StorageDir = s.StorageDir
		h.AllowSnapshots = s.AllowSnapshots
		h.Readonly = s.Readonly
		out = h
	case store.TypeRemote:
		r := store.NewRemote(key.Name, s.URL)
		r.Username = s.Username
		r.Password = s.Password
		r.CacheOnly = s.CacheOnly
		r.ConnectTimeout = s.ConnectTimeout.DurationValue()
		r.ReadTimeout = s.ReadTimeout.DurationValue()
		r.MetadataTTL = s.MetadataTTL.DurationValue()
		r.NegativeTTL = s.NegativeTTL.DurationValue()
		out = r
	case store.TypeGroup:
		members := make([]store.StoreKey, 0, len(s.Members))
		for _, raw := range s.Members {
			member, err := store.ParseStoreKey(raw)
			if err != nil {
				return nil, err
			}
			members = append(members, member)
		}
		out = store.NewGroup(key.Name, members...)
	}

	base := out.Common()
	base.PackageType = strings.ToLower(strings.TrimSpace(s.PackageType))
	base.Description = s.Description
	base.Disabled = s.Disabled
	base.DisableTimeout = s.DisableTimeout.DurationValue()
	base.AllowedPatterns = append([]string(nil), s.AllowedPatterns...)
	base.ExcludedPatterns = append([]string(nil), s.ExcludedPatterns...)
	return out, nil
}

// StoreSummaries 返回 type:name 列表，供启动日志使用。
func StoreSummaries(stores []StoreConfig) []string {
	if len(stores) == 0 {
		return nil
	}
	result := make([]string, len(stores))
	for i, s := range stores {
		result[i] = fmt.Sprintf("%s:%s", strings.ToLower(s.Type), s.Name)
	}
	return result
}
