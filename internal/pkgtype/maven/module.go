// Package maven 注册 Maven 仓库的缓存策略：制品不可变，maven-metadata.xml 与快照目录按元数据处理。
package maven

import (
	"path"
	"strings"
	"time"

	"github.com/any-hub/repohub/internal/pkgtype"
)

const (
	artifactTTL = 0
	metadataTTL = 30 * time.Minute
)

func init() {
	pkgtype.MustRegister(pkgtype.Metadata{
		Key:         "maven",
		Description: "Maven 2 layout with immutable artifacts and refreshable maven-metadata.xml",
		Profile: pkgtype.CacheProfile{
			ArtifactTTL: artifactTTL,
			MetadataTTL: metadataTTL,
		},
		Hooks: pkgtype.Hooks{
			IsMetadata:  isMetadata,
			ContentType: contentType,
		},
	})
}

func isMetadata(p string) bool {
	base := path.Base(p)
	for _, suffix := range []string{"", ".md5", ".sha1", ".sha256", ".sha512"} {
		if base == "maven-metadata.xml"+suffix {
			return true
		}
	}
	return strings.HasSuffix(path.Dir(p), "-SNAPSHOT") && !strings.Contains(base, ".")
}

func contentType(p string) string {
	switch path.Ext(p) {
	case ".pom", ".xml":
		return "application/xml"
	case ".jar", ".war", ".ear":
		return "application/java-archive"
	case ".md5", ".sha1", ".sha256", ".sha512", ".asc":
		return "text/plain"
	default:
		return ""
	}
}
