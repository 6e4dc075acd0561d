package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedHubTypes = map[string]struct{}{
	HubTypeGitHub: {},
	HubTypeS3:     {},
}

const supportedHubTypeList = "github|s3"

// minCacheMax 防止误配置成几乎不可用的缓存（例如把 MiB 当成字节写入）。
const minCacheMax = 1024

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.CachePath == "" {
		return newFieldError("Global.Cache", "不能为空")
	}
	if g.CacheMax < minCacheMax {
		return newFieldError("Global.CacheMax", fmt.Sprintf("不能小于 %d 字节", minCacheMax))
	}
	if g.CacheMaxAge.DurationValue() <= 0 {
		return newFieldError("Global.CacheMaxAge", "必须大于 0")
	}
	if g.MemoizeTTL.DurationValue() < 0 {
		return newFieldError("Global.MemoizeTTL", "不能为负数")
	}
	if g.MaxBufferSize <= 0 {
		return newFieldError("Global.MaxBufferSize", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Hubs) == 0 {
		return errors.New("至少需要配置一个 Hub")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		if hub.Name == "" {
			return newFieldError("Hub[].Name", "不能为空")
		}
		if _, exists := seenNames[hub.Name]; exists {
			return newFieldError(hubField(hub.Name, "Name"), "重复")
		}
		seenNames[hub.Name] = struct{}{}

		if err := validateDomain(hub.Domain); err != nil {
			return fmt.Errorf("%s: %w", hubField(hub.Name, "Domain"), err)
		}

		normalizedType := strings.ToLower(strings.TrimSpace(hub.Type))
		if normalizedType == "" {
			return newFieldError(hubField(hub.Name, "Type"), "不能为空")
		}
		if _, ok := supportedHubTypes[normalizedType]; !ok {
			return newFieldError(hubField(hub.Name, "Type"), "仅支持 "+supportedHubTypeList)
		}
		hub.Type = normalizedType

		switch normalizedType {
		case HubTypeGitHub:
			if err := validateRepository(hub.Repository); err != nil {
				return fmt.Errorf("%s: %w", hubField(hub.Name, "Repository"), err)
			}
			if err := validateUpstream(hub.Upstream); err != nil {
				return fmt.Errorf("%s: %w", hubField(hub.Name, "Upstream"), err)
			}
		case HubTypeS3:
			if strings.TrimSpace(hub.Bucket) == "" {
				return newFieldError(hubField(hub.Name, "Bucket"), "不能为空")
			}
			if hub.Endpoint != "" {
				if err := validateUpstream(hub.Endpoint); err != nil {
					return fmt.Errorf("%s: %w", hubField(hub.Name, "Endpoint"), err)
				}
			}
		}

		if hub.Proxy != "" {
			if err := validateUpstream(hub.Proxy); err != nil {
				return fmt.Errorf("%s: %w", hubField(hub.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateRepository(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("仓库格式应为 owner/name，得到: %q", repo)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
