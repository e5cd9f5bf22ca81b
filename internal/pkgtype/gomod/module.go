// Package gomod 注册 Go module proxy（GOPROXY 协议）的缓存策略：
// @v 下的 .zip/.mod/.info 不可变，版本列表与 @latest 需要定期刷新。
package gomod

import (
	"path"
	"strings"
	"time"

	"github.com/any-hub/repohub/internal/pkgtype"
)

const metadataTTL = 30 * time.Minute

func init() {
	pkgtype.MustRegister(pkgtype.Metadata{
		Key:         "go",
		Description: "Go module proxy with immutable @v artifacts and refreshable version lists",
		Profile: pkgtype.CacheProfile{
			MetadataTTL: metadataTTL,
		},
		Hooks: pkgtype.Hooks{
			IsMetadata:  isMetadata,
			ContentType: contentType,
		},
	})
}

func isMetadata(p string) bool {
	return !isImmutable(p)
}

func isImmutable(p string) bool {
	if !strings.Contains("/"+p, "/@v/") {
		return false
	}
	switch path.Ext(p) {
	case ".zip", ".mod", ".info":
		return true
	default:
		return false
	}
}

func contentType(p string) string {
	switch {
	case strings.HasSuffix(p, ".zip"):
		return "application/zip"
	case strings.HasSuffix(p, ".info"), strings.HasSuffix(p, "/@latest"):
		return "application/json"
	case strings.HasSuffix(p, ".mod"), strings.HasSuffix(p, "/@v/list"):
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}
