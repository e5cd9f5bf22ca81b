package npm

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/any-hub/repohub/internal/pkgtype"
)

// normalizePath 将包文档落到 <pkg>/package.json，避免与 tarball 所在的 `/-/` 子目录冲突；
// tarball 保持原始路径。
func normalizePath(p string) string {
	if p == "" {
		return "package.json"
	}
	if strings.Contains(p, "/-/") || strings.HasSuffix(p, "/package.json") || p == "package.json" {
		return p
	}
	return strings.TrimSuffix(p, "/") + "/package.json"
}

// upstreamPath 是 normalizePath 的逆操作，registry 上包文档的地址不带 package.json。
func upstreamPath(p string) string {
	if strings.Contains(p, "/-/") {
		return p
	}
	return strings.TrimSuffix(p, "/package.json")
}

func isMetadata(p string) bool {
	return path.Base(p) == "package.json"
}

func contentType(p string) string {
	switch {
	case isMetadata(p):
		return "application/json"
	case strings.HasSuffix(p, ".tgz"):
		return "application/octet-stream"
	default:
		return ""
	}
}

// rewriteTarballs 把包文档中 versions.*.dist.tarball（以及单版本文档的 dist.tarball）
// 指向上游的地址改写为当前 Store 的访问路径，使客户端后续下载继续经过本服务。其余字段保持原样。
func rewriteTarballs(ctx *pkgtype.Context, p string, body []byte) ([]byte, error) {
	if ctx == nil || ctx.Upstream == "" || ctx.PublicBase == "" || !isMetadata(p) {
		return body, nil
	}
	upstream := strings.TrimSuffix(ctx.Upstream, "/") + "/"
	public := strings.TrimSuffix(ctx.PublicBase, "/") + "/"

	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, err
	}
	changed := false
	if raw, ok := root["dist"]; ok {
		if updated, rewritten := rewriteDist(raw, upstream, public); rewritten {
			root["dist"] = updated
			changed = true
		}
	}
	if raw, ok := root["versions"]; ok {
		if updated, rewritten := rewriteVersions(raw, upstream, public); rewritten {
			root["versions"] = updated
			changed = true
		}
	}
	if !changed {
		return body, nil
	}
	return json.Marshal(root)
}

func rewriteVersions(raw json.RawMessage, upstream, public string) (json.RawMessage, bool) {
	var versions map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &versions); err != nil {
		return raw, false
	}
	changed := false
	for _, version := range versions {
		dist, ok := version["dist"]
		if !ok {
			continue
		}
		if updated, rewritten := rewriteDist(dist, upstream, public); rewritten {
			version["dist"] = updated
			changed = true
		}
	}
	if !changed {
		return raw, false
	}
	data, err := json.Marshal(versions)
	if err != nil {
		return raw, false
	}
	return data, true
}

func rewriteDist(raw json.RawMessage, upstream, public string) (json.RawMessage, bool) {
	var dist map[string]any
	if err := json.Unmarshal(raw, &dist); err != nil {
		return raw, false
	}
	tarball, ok := dist["tarball"].(string)
	if !ok || !strings.HasPrefix(tarball, upstream) {
		return raw, false
	}
	dist["tarball"] = public + strings.TrimPrefix(tarball, upstream)
	data, err := json.Marshal(dist)
	if err != nil {
		return raw, false
	}
	return data, true
}
