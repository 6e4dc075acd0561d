package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"8760h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的源站类型。
const (
	HubTypeGitHub = "github"
	HubTypeS3     = "s3"
)

// DefaultGitHubAPI 是 github 类型 Hub 未填写 Upstream 时使用的 API 根地址。
const DefaultGitHubAPI = "https://api.github.com"

// GlobalConfig 描述全局运行时行为，所有 Hub 共享同一份磁盘缓存与日志配置。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CachePath       string   `mapstructure:"Cache"`
	CacheMax        int64    `mapstructure:"CacheMax"`
	CacheMaxAge     Duration `mapstructure:"CacheMaxAge"`
	MemoizeTTL      Duration `mapstructure:"MemoizeTTL"`
	MaxBufferSize   int64    `mapstructure:"MaxBufferSize"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// HubConfig 决定单个发布源如何被代理：GitHub 仓库或 S3 bucket。
type HubConfig struct {
	Name       string `mapstructure:"Name"`
	Domain     string `mapstructure:"Domain"`
	Type       string `mapstructure:"Type"`
	Upstream   string `mapstructure:"Upstream"`
	Proxy      string `mapstructure:"Proxy"`
	Repository string `mapstructure:"Repository"`
	Token      string `mapstructure:"Token"`
	Bucket     string `mapstructure:"Bucket"`
	Prefix     string `mapstructure:"Prefix"`
	Region     string `mapstructure:"Region"`
	Endpoint   string `mapstructure:"Endpoint"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Hubs   []HubConfig  `mapstructure:"Hub"`
}

// HasCredentials 表示当前 Hub 是否配置了访问源站的 Token。
func (h HubConfig) HasCredentials() bool {
	return h.Token != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (h HubConfig) AuthMode() string {
	if h.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Hub 的鉴权模式摘要，例如 releases:credentialed。
func CredentialModes(hubs []HubConfig) []string {
	if len(hubs) == 0 {
		return nil
	}
	result := make([]string, len(hubs))
	for i, hub := range hubs {
		result[i] = fmt.Sprintf("%s:%s", hub.Name, hub.AuthMode())
	}
	return result
}

// Origin 返回便于日志输出的源站描述，如 github:owner/repo 或 s3:bucket/prefix。
func (h HubConfig) Origin() string {
	switch h.Type {
	case HubTypeS3:
		return fmt.Sprintf("s3:%s/%s", h.Bucket, h.Prefix)
	default:
		return fmt.Sprintf("github:%s", h.Repository)
	}
}

// EffectiveMemoizeTTL 返回 release 列表的记忆窗口；未配置时与 CacheMaxAge 保持一致。
func (c *Config) EffectiveMemoizeTTL() time.Duration {
	if ttl := c.Global.MemoizeTTL.DurationValue(); ttl > 0 {
		return ttl
	}
	return c.Global.CacheMaxAge.DurationValue()
}
