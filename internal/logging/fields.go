package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 hub/domain/命中状态字段，供资产下载日志复用。
func RequestFields(hub, domain, hubType, authMode string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"hub":       hub,
		"domain":    domain,
		"hub_type":  hubType,
		"auth_mode": authMode,
		"cache_hit": cacheHit,
	}
}

// AssetFields 描述一次资产读取涉及的缓存键与文件名。
func AssetFields(assetID, filename string, size int64) logrus.Fields {
	return logrus.Fields{
		"asset_id":   assetID,
		"filename":   filename,
		"asset_size": size,
	}
}
