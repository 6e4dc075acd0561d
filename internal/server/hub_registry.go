package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/assets"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/memo"
	"github.com/asset-hub/asset-hub/internal/metrics"
	"github.com/asset-hub/asset-hub/internal/origin"
)

// HubRoute 将 Hub 配置与运行期依赖（源站、release 记忆化、资产服务）聚合在一起，
// 供路由/代理层直接复用，避免每个请求重复构建。
type HubRoute struct {
	// Config 是用户在 config.toml 中声明的 Hub 字段副本，避免外部修改。
	Config config.HubConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 为 GitHub API 根地址或 S3 自定义 Endpoint；使用 AWS 默认 Endpoint 时为 nil。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	Origin      origin.Origin
	// Memo 持有该 Hub 的 release epoch，刷新接口通过它让旧列表失效。
	Memo *memo.Memoizer
	// Releases 是经过记忆化的 Origin.ListReleases。
	Releases func(context.Context) ([]origin.Release, error)
	Assets   *assets.Server
}

// OriginFactory 根据 Hub 类型构建源站适配器，client 已按 Hub 的 Proxy 配置好。
type OriginFactory func(ctx context.Context, hub config.HubConfig, client *http.Client) (origin.Origin, error)

// RegistryOptions 是构建 HubRoute 所需的共享依赖。
type RegistryOptions struct {
	Cache     assets.Cache
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	Client    *http.Client
	NewOrigin OriginFactory
}

// HubRegistry 提供 Host/Host:port 到 HubRoute 的查询能力，所有 Hub 共享同一个监听端口。
type HubRegistry struct {
	routes  map[string]*HubRoute
	byName  map[string]*HubRoute
	ordered []*HubRoute
}

// NewHubRegistry 根据配置构建 Host 映射与每个 Hub 的运行期依赖。调用方应在启动阶段创建一次并复用。
func NewHubRegistry(ctx context.Context, cfg *config.Config, opts RegistryOptions) (*HubRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.NewOrigin == nil {
		return nil, errors.New("origin factory is required")
	}
	if opts.Client == nil {
		opts.Client = NewUpstreamClient(cfg)
	}

	registry := &HubRegistry{
		routes: make(map[string]*HubRoute, len(cfg.Hubs)),
		byName: make(map[string]*HubRoute, len(cfg.Hubs)),
	}

	for _, hub := range cfg.Hubs {
		normalizedHost := normalizeDomain(hub.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for hub %s", hub.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildHubRoute(ctx, cfg, hub, opts)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[hub.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 HubRoute。
func (r *HubRegistry) Lookup(host string) (*HubRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// ByName 按 Hub 名称查找，供诊断接口使用。
func (r *HubRegistry) ByName(name string) (*HubRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 HubRoute 列表（按配置定义的顺序），用于调试或 /status 输出。
func (r *HubRegistry) List() []HubRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]HubRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildHubRoute(ctx context.Context, cfg *config.Config, hub config.HubConfig, opts RegistryOptions) (*HubRoute, error) {
	var (
		upstreamURL *url.URL
		proxyURL    *url.URL
		err         error
	)
	upstream := hub.Upstream
	if hub.Type == config.HubTypeS3 {
		upstream = hub.Endpoint
	}
	if upstream != "" {
		upstreamURL, err = url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for hub %s: %w", hub.Name, err)
		}
	}
	if hub.Proxy != "" {
		proxyURL, err = url.Parse(hub.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for hub %s: %w", hub.Name, err)
		}
	}

	src, err := opts.NewOrigin(ctx, hub, NewHubClient(opts.Client, proxyURL))
	if err != nil {
		return nil, fmt.Errorf("hub %s: %w", hub.Name, err)
	}

	memoizer, err := memo.New(cfg.EffectiveMemoizeTTL())
	if err != nil {
		return nil, fmt.Errorf("hub %s: %w", hub.Name, err)
	}

	var assetMetrics assets.Metrics
	if opts.Metrics != nil {
		assetMetrics = opts.Metrics
	}
	assetServer, err := assets.NewServer(assets.Options{
		Hub:           hub.Name,
		Cache:         opts.Cache,
		Origin:        src,
		Logger:        opts.Logger,
		Metrics:       assetMetrics,
		MaxBufferSize: cfg.Global.MaxBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("hub %s: %w", hub.Name, err)
	}

	hubName := hub.Name
	list := func(ctx context.Context) ([]origin.Release, error) {
		started := time.Now()
		releases, err := src.ListReleases(ctx)
		if opts.Metrics != nil {
			opts.Metrics.ObserveOriginFetch(hubName, "list", time.Since(started), err)
		}
		return releases, err
	}

	return &HubRoute{
		Config:      hub,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		Origin:      src,
		Memo:        memoizer,
		Releases:    memo.Memoize(memoizer, list),
		Assets:      assetServer,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
