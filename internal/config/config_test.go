package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.CacheMaxAge.DurationValue() != 365*24*time.Hour {
		t.Fatalf("CacheMaxAge 解析错误: %s", cfg.Global.CacheMaxAge.DurationValue())
	}
	if cfg.Global.CachePath == "" {
		t.Fatalf("Cache 路径应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.EffectiveMemoizeTTL() != cfg.Global.CacheMaxAge.DurationValue() {
		t.Fatalf("未设置 MemoizeTTL 时应退回 CacheMaxAge")
	}
	if cfg.Hubs[0].Upstream != DefaultGitHubAPI {
		t.Fatalf("github Hub 未设置 Upstream 时应使用默认 API，得到 %s", cfg.Hubs[0].Upstream)
	}
	if cfg.Hubs[1].Prefix != "app/" {
		t.Fatalf("S3 Prefix 应补齐结尾斜杠，得到 %q", cfg.Hubs[1].Prefix)
	}
}

func TestValidateRejectsBadHub(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestEffectiveMemoizeTTLOverrides(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{
		CacheMaxAge: Duration(time.Hour),
		MemoizeTTL:  Duration(5 * time.Minute),
	}}
	if ttl := cfg.EffectiveMemoizeTTL(); ttl != 5*time.Minute {
		t.Fatalf("显式 MemoizeTTL 应该优先生效，得到 %s", ttl)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRejectsTinyCacheMax(t *testing.T) {
	cfg := validConfig()
	cfg.Global.CacheMax = 10
	if err := cfg.Validate(); err == nil {
		t.Fatalf("CacheMax 过小应当报错")
	}
}

func TestHubTypeValidation(t *testing.T) {
	testCases := []struct {
		name      string
		hubType   string
		shouldErr bool
	}{
		{"github ok", "github", false},
		{"s3 ok", "s3", false},
		{"case insensitive", "GitHub", false},
		{"missing type", "", true},
		{"unsupported type", "gitlab", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Hubs[0].Type = tc.hubType
			cfg.Hubs[0].Bucket = "bucket"
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for type %q", tc.hubType)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for type %q: %v", tc.hubType, err)
			}
		})
	}
}

func TestValidateRequiresRepositoryForGitHub(t *testing.T) {
	for _, repo := range []string{"", "owner", "owner/", "a/b/c"} {
		cfg := validConfig()
		cfg.Hubs[0].Repository = repo
		if err := cfg.Validate(); err == nil {
			t.Fatalf("仓库 %q 应当被拒绝", repo)
		}
	}
}

func TestValidateRequiresBucketForS3(t *testing.T) {
	cfg := validConfig()
	cfg.Hubs[0].Type = HubTypeS3
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("S3 Hub 缺少 Bucket 时应报错")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Hub[releases].Bucket" {
		t.Fatalf("字段路径不正确: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			CachePath:       "./data",
			CacheMax:        1 << 20,
			CacheMaxAge:     Duration(time.Hour),
			MaxBufferSize:   1 << 20,
			UpstreamTimeout: Duration(time.Second),
		},
		Hubs: []HubConfig{
			{
				Name:       "releases",
				Domain:     "releases.local",
				Type:       "github",
				Upstream:   DefaultGitHubAPI,
				Repository: "example/app",
			},
		},
	}
}
