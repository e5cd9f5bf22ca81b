package config

import (
	_ "github.com/any-hub/repohub/internal/pkgtype/generic"
	_ "github.com/any-hub/repohub/internal/pkgtype/gomod"
	_ "github.com/any-hub/repohub/internal/pkgtype/maven"
	_ "github.com/any-hub/repohub/internal/pkgtype/npm"
)
