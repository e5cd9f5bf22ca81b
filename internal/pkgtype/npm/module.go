// Package npm 注册 npm Registry 的缓存策略：tarball 不可变，包文档需要定期刷新。
package npm

import (
	"time"

	"github.com/any-hub/repohub/internal/pkgtype"
)

const metadataTTL = 30 * time.Minute

func init() {
	pkgtype.MustRegister(pkgtype.Metadata{
		Key:         "npm",
		Description: "npm registry with package documents stored as package.json and tarball URL rewriting",
		Profile: pkgtype.CacheProfile{
			MetadataTTL: metadataTTL,
		},
		Hooks: pkgtype.Hooks{
			NormalizePath: normalizePath,
			UpstreamPath:  upstreamPath,
			IsMetadata:    isMetadata,
			Transform:     rewriteTarballs,
			ContentType:   contentType,
		},
	})
}
