// Package generic 注册不做任何改写的原始文件仓库，也是未知包类型的回退项。
package generic

import "github.com/any-hub/repohub/internal/pkgtype"

func init() {
	pkgtype.MustRegister(pkgtype.Metadata{
		Key:         pkgtype.DefaultKey,
		Description: "Raw files served as-is; every path is treated as immutable content",
	})
}
