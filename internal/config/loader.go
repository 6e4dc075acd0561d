package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultCacheMax      = 500 * 1024 * 1024
	defaultCacheMaxAge   = 365 * 24 * time.Hour
	defaultMaxBufferSize = 64 * 1024 * 1024
)

// DefaultCachePath 返回默认缓存目录：系统临时目录下的 asset-hub 子目录。
func DefaultCachePath() string {
	return filepath.Join(os.TempDir(), "asset-hub")
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Hubs {
		applyHubDefaults(&cfg.Hubs[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CachePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CachePath = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Cache", DefaultCachePath())
	v.SetDefault("CacheMax", defaultCacheMax)
	v.SetDefault("CacheMaxAge", defaultCacheMaxAge.String())
	v.SetDefault("MaxBufferSize", defaultMaxBufferSize)
	v.SetDefault("UpstreamTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.CachePath) == "" {
		g.CachePath = DefaultCachePath()
	}
	if g.CacheMax == 0 {
		g.CacheMax = defaultCacheMax
	}
	if g.CacheMaxAge.DurationValue() == 0 {
		g.CacheMaxAge = Duration(defaultCacheMaxAge)
	}
	if g.MemoizeTTL.DurationValue() == 0 {
		g.MemoizeTTL = g.CacheMaxAge
	}
	if g.MaxBufferSize == 0 {
		g.MaxBufferSize = defaultMaxBufferSize
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyHubDefaults(h *HubConfig) {
	h.Type = strings.ToLower(strings.TrimSpace(h.Type))
	if h.Type == HubTypeGitHub && strings.TrimSpace(h.Upstream) == "" {
		h.Upstream = DefaultGitHubAPI
	}
	h.Repository = strings.Trim(strings.TrimSpace(h.Repository), "/")
	if prefix := strings.TrimLeft(strings.TrimSpace(h.Prefix), "/"); prefix != "" && !strings.HasSuffix(prefix, "/") {
		h.Prefix = prefix + "/"
	} else {
		h.Prefix = prefix
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
