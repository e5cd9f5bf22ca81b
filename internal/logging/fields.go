package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/store"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResolveFields 提供请求仓库、路径、命中来源等字段，供解析日志复用。
func ResolveFields(requested store.StoreKey, path string, origin store.StoreKey, fromIndex bool) logrus.Fields {
	fields := logrus.Fields{
		"store":      requested.String(),
		"path":       path,
		"from_index": fromIndex,
	}
	if !origin.IsZero() {
		fields["origin"] = origin.String()
	}
	return fields
}

// StoreFields 描述仓库配置变更。
func StoreFields(key store.StoreKey, revision int64) logrus.Fields {
	return logrus.Fields{
		"store":    key.String(),
		"revision": revision,
	}
}
