package store

import (
	"fmt"
	"net/url"
	"slices"
	"time"
)

// 常用的 Metadata 键。
const (
	MetaChangelog = "changelog"
	MetaCreatedAt = "created_at"
	MetaUpdatedAt = "updated_at"
	MetaUser      = "user"
)

// DefaultPackageType 未声明包类型时使用 maven。
const DefaultPackageType = "maven"

// ArtifactStore 是 hosted/remote/group 三种仓库的封闭联合类型。
// 只有本包内的 *HostedRepository、*RemoteRepository、*Group 可以实现它。
type ArtifactStore interface {
	// Common 返回内嵌的公共字段。对已发布的实例只允许读取。
	Common() *StoreBase
	// Clone 深拷贝当前仓库，修改配置前必须先 Clone。
	Clone() ArtifactStore

	sealed()
}

// StoreBase 汇总三类仓库共享的字段。
type StoreBase struct {
	Key              StoreKey          `json:"key" yaml:"key"`
	PackageType      string            `json:"package_type,omitempty" yaml:"package_type,omitempty"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Disabled         bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	DisableTimeout   time.Duration     `json:"disable_timeout,omitempty" yaml:"disable_timeout,omitempty"`
	DisabledAt       time.Time         `json:"disabled_at,omitempty" yaml:"disabled_at,omitempty"`
	AllowedPatterns  []string          `json:"allowed_patterns,omitempty" yaml:"allowed_patterns,omitempty"`
	ExcludedPatterns []string          `json:"excluded_patterns,omitempty" yaml:"excluded_patterns,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Revision         int64             `json:"revision" yaml:"revision"`
}

// Common 实现 ArtifactStore。
func (b *StoreBase) Common() *StoreBase { return b }

// IsEnabledAt 判断仓库在 now 时刻是否可用；带超时的禁用在超时后自动恢复。
func (b *StoreBase) IsEnabledAt(now time.Time) bool {
	if !b.Disabled {
		return true
	}
	if b.DisableTimeout <= 0 || b.DisabledAt.IsZero() {
		return false
	}
	return !now.Before(b.DisabledAt.Add(b.DisableTimeout))
}

// EffectivePackageType 返回包类型，缺省为 maven。
func (b *StoreBase) EffectivePackageType() string {
	if b.PackageType == "" {
		return DefaultPackageType
	}
	return b.PackageType
}

func (b StoreBase) clone() StoreBase {
	out := b
	out.AllowedPatterns = slices.Clone(b.AllowedPatterns)
	out.ExcludedPatterns = slices.Clone(b.ExcludedPatterns)
	if b.Metadata != nil {
		out.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// HostedRepository 是可写的本地仓库。
type HostedRepository struct {
	StoreBase         `yaml:",inline"`
	StorageDir        string        `json:"storage_dir,omitempty" yaml:"storage_dir,omitempty"`
	AllowReleases     bool          `json:"allow_releases" yaml:"allow_releases"`
	AllowSnapshots    bool          `json:"allow_snapshots" yaml:"allow_snapshots"`
	SnapshotRetention time.Duration `json:"snapshot_retention,omitempty" yaml:"snapshot_retention,omitempty"`
	Readonly          bool          `json:"readonly,omitempty" yaml:"readonly,omitempty"`
}

// NewHosted 构造默认允许 release 的 hosted 仓库。
func NewHosted(name string) *HostedRepository {
	return &HostedRepository{
		StoreBase:     StoreBase{Key: NewKey(TypeHosted, name)},
		AllowReleases: true,
	}
}

func (h *HostedRepository) Clone() ArtifactStore {
	out := *h
	out.StoreBase = h.StoreBase.clone()
	return &out
}

func (*HostedRepository) sealed() {}

// EffectiveStorageDir 返回相对 hosted 根目录的存储路径。
func (h *HostedRepository) EffectiveStorageDir() string {
	if h.StorageDir != "" {
		return h.StorageDir
	}
	return string(h.Key.Type) + "/" + h.Key.Name
}

// RemoteRepository 代理一个上游仓库并缓存其内容。
type RemoteRepository struct {
	StoreBase      `yaml:",inline"`
	URL            string        `json:"url" yaml:"url"`
	Username       string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	ReadTimeout    time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	CacheOnly      bool          `json:"cache_only,omitempty" yaml:"cache_only,omitempty"`
	MetadataTTL    time.Duration `json:"metadata_ttl,omitempty" yaml:"metadata_ttl,omitempty"`
	NegativeTTL    time.Duration `json:"negative_ttl,omitempty" yaml:"negative_ttl,omitempty"`
}

// NewRemote 构造指向 upstream 的 remote 仓库。
func NewRemote(name, upstream string) *RemoteRepository {
	return &RemoteRepository{
		StoreBase: StoreBase{Key: NewKey(TypeRemote, name)},
		URL:       upstream,
	}
}

func (r *RemoteRepository) Clone() ArtifactStore {
	out := *r
	out.StoreBase = r.StoreBase.clone()
	return &out
}

func (*RemoteRepository) sealed() {}

// Group 按声明顺序聚合成员仓库，成员可以是其它 Group。
type Group struct {
	StoreBase `yaml:",inline"`
	Members   []StoreKey `json:"members" yaml:"members"`
}

// NewGroup 构造按 members 顺序解析的组。
func NewGroup(name string, members ...StoreKey) *Group {
	return &Group{
		StoreBase: StoreBase{Key: NewKey(TypeGroup, name)},
		Members:   slices.Clone(members),
	}
}

func (g *Group) Clone() ArtifactStore {
	out := *g
	out.StoreBase = g.StoreBase.clone()
	out.Members = slices.Clone(g.Members)
	return &out
}

func (*Group) sealed() {}

// KeyOf 是 s.Common().Key 的简写。
func KeyOf(s ArtifactStore) StoreKey {
	return s.Common().Key
}

// Validate 做与 Registry 状态无关的结构校验（名称、类型匹配、URL、模式语法）。
// 组成员是否成环由 Registry 负责。
func Validate(s ArtifactStore) error {
	if s == nil {
		return newValidationError("store", "must not be nil")
	}
	base := s.Common()
	if err := base.Key.Validate(); err != nil {
		return err
	}
	if base.Disabled && base.DisableTimeout < 0 {
		return newValidationError("disable_timeout", "must not be negative")
	}
	for _, p := range base.AllowedPatterns {
		if err := ValidatePattern(p); err != nil {
			return newValidationError("allowed_patterns", err.Error())
		}
	}
	for _, p := range base.ExcludedPatterns {
		if err := ValidatePattern(p); err != nil {
			return newValidationError("excluded_patterns", err.Error())
		}
	}

	switch v := s.(type) {
	case *HostedRepository:
		if v.Key.Type != TypeHosted {
			return newValidationError("key.type", "hosted repository must use type hosted")
		}
	case *RemoteRepository:
		if v.Key.Type != TypeRemote {
			return newValidationError("key.type", "remote repository must use type remote")
		}
		if err := validateUpstream(v.URL); err != nil {
			return newValidationError("url", err.Error())
		}
		if v.ConnectTimeout < 0 || v.ReadTimeout < 0 {
			return newValidationError("timeouts", "must not be negative")
		}
		if (v.Username == "") != (v.Password == "") {
			return newValidationError("credentials", "username and password must be set together")
		}
	case *Group:
		if v.Key.Type != TypeGroup {
			return newValidationError("key.type", "group must use type group")
		}
		for i, member := range v.Members {
			if err := member.Validate(); err != nil {
				return newValidationError(fmt.Sprintf("members[%d]", i), err.Error())
			}
			if member == v.Key {
				return newValidationError(fmt.Sprintf("members[%d]", i), "group must not contain itself")
			}
		}
	default:
		return newValidationError("store", fmt.Sprintf("unsupported store %T", s))
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return fmt.Errorf("upstream url required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http/https upstreams are supported: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream host missing: %s", raw)
	}
	return nil
}

// MaterialChange 判断两次修订之间是否有影响解析结果的改动，
// 例如上游地址、成员列表、禁用状态或路径过滤规则变化。
func MaterialChange(prev, next ArtifactStore) bool {
	if prev == nil || next == nil {
		return true
	}
	pb, nb := prev.Common(), next.Common()
	if pb.Key != nb.Key || pb.Disabled != nb.Disabled || pb.DisableTimeout != nb.DisableTimeout ||
		pb.PackageType != nb.PackageType ||
		!slices.Equal(pb.AllowedPatterns, nb.AllowedPatterns) ||
		!slices.Equal(pb.ExcludedPatterns, nb.ExcludedPatterns) {
		return true
	}
	switch p := prev.(type) {
	case *HostedRepository:
		n, ok := next.(*HostedRepository)
		return !ok || p.EffectiveStorageDir() != n.EffectiveStorageDir()
	case *RemoteRepository:
		n, ok := next.(*RemoteRepository)
		return !ok || p.URL != n.URL || p.CacheOnly != n.CacheOnly ||
			p.Username != n.Username || p.Password != n.Password
	case *Group:
		n, ok := next.(*Group)
		return !ok || !slices.Equal(p.Members, n.Members)
	}
	return true
}
