package store

import (
	"fmt"
	"path"
	"strings"
)

// FilterPolicy 决定 allow/exclude 规则同时命中时的取舍。
type FilterPolicy string

const (
	// FilterFirstMatch 按声明顺序（先 allowed 再 excluded）取第一条命中的规则，未命中默认放行。
	FilterFirstMatch FilterPolicy = "first-match"
	// FilterExcludeWins 只要有 exclude 命中即跳过。
	FilterExcludeWins FilterPolicy = "exclude-wins"
	// FilterStrictAllow 与 first-match 相同，但存在 allow 规则时未命中即拒绝。
	FilterStrictAllow FilterPolicy = "strict-allow"
)

// ParseFilterPolicy 解析配置值，空串返回默认的 first-match。
func ParseFilterPolicy(raw string) (FilterPolicy, error) {
	switch FilterPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FilterFirstMatch:
		return FilterFirstMatch, nil
	case FilterExcludeWins:
		return FilterExcludeWins, nil
	case FilterStrictAllow:
		return FilterStrictAllow, nil
	default:
		return "", fmt.Errorf("%w: unknown filter policy %q", ErrInvalid, raw)
	}
}

type filterRule struct {
	pattern string
	allow   bool
}

// PathFilter 是编译后的 allow/exclude 规则，创建后只读，可并发使用。
type PathFilter struct {
	rules    []filterRule
	policy   FilterPolicy
	hasAllow bool
}

// CompileFilter 根据仓库声明的模式构造过滤器，非法模式返回 ErrInvalid。
func CompileFilter(allowed, excluded []string, policy FilterPolicy) (*PathFilter, error) {
	if policy == "" {
		policy = FilterFirstMatch
	}
	f := &PathFilter{policy: policy, hasAllow: len(allowed) > 0}
	for _, p := range allowed {
		if err := ValidatePattern(p); err != nil {
			return nil, err
		}
		f.rules = append(f.rules, filterRule{pattern: normalizePattern(p), allow: true})
	}
	for _, p := range excluded {
		if err := ValidatePattern(p); err != nil {
			return nil, err
		}
		f.rules = append(f.rules, filterRule{pattern: normalizePattern(p)})
	}
	return f, nil
}

// FilterFor 编译仓库自身的规则。
func FilterFor(s ArtifactStore, policy FilterPolicy) (*PathFilter, error) {
	base := s.Common()
	return CompileFilter(base.AllowedPatterns, base.ExcludedPatterns, policy)
}

// Allows 判断路径是否可由该仓库提供。nil 过滤器放行一切。
func (f *PathFilter) Allows(p string) bool {
	if f == nil || len(f.rules) == 0 {
		return true
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")

	if f.policy == FilterExcludeWins {
		for _, r := range f.rules {
			if !r.allow && matchPattern(r.pattern, p) {
				return false
			}
		}
		return true
	}

	for _, r := range f.rules {
		if matchPattern(r.pattern, p) {
			return r.allow
		}
	}
	if f.policy == FilterStrictAllow && f.hasAllow {
		return false
	}
	return true
}

// ValidatePattern 校验 glob 语法；"**" 段匹配任意层级目录。
func ValidatePattern(p string) error {
	clean := normalizePattern(p)
	if clean == "" {
		return fmt.Errorf("empty path pattern")
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("malformed path pattern %q: %w", p, err)
		}
	}
	return nil
}

func normalizePattern(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), "/")
}

// matchPattern 的语义：
//   - 不含通配符的模式按前缀匹配；
//   - 不含 "/" 的通配模式只匹配最后一段（例如 "*.jar"）；
//   - 其它模式逐段匹配，"**" 吞掉零到多段。
func matchPattern(pattern, p string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.HasPrefix(p, pattern)
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(p, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, err := path.Match(pat[0], segs[0]); err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
