package routes

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/metrics"
	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/version"
)

// DiagnosticsOptions 汇总诊断接口依赖；Metrics 为空时不挂载 /-/metrics 与 /-/stats。
type DiagnosticsOptions struct {
	Registry *server.HubRegistry
	Cache    interface{ Stats() cache.Stats }
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

// RegisterDiagnostics 暴露 /-/ 前缀的运维接口：状态、release 刷新、Prometheus 指标与延迟分位数。
func RegisterDiagnostics(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Registry == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version": version.Full(),
			"hubs":    encodeHubs(opts.Registry.List()),
		}
		if opts.Cache != nil {
			payload["cache"] = encodeCacheStats(opts.Cache.Stats())
		}
		return c.JSON(payload)
	})

	// 新版本发布后由 CI/webhook 调用，使该 Hub 记忆化的 release 列表立即失效。
	app.Post("/-/hubs/:name/refresh", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		route, ok := opts.Registry.ByName(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "hub_not_found"})
		}
		epoch := route.Memo.OnRelease()
		if opts.Logger != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action": "release_refresh",
				"hub":    name,
				"epoch":  epoch,
			}).Info("release cache invalidated")
		}
		return c.JSON(fiber.Map{"hub": name, "epoch": epoch})
	})

	if opts.Metrics == nil {
		return
	}

	app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))

	app.Get("/-/stats", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"latency": opts.Metrics.Latency().Snapshot()})
	})
}

type hubPayload struct {
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	Type           string `json:"type"`
	Origin         string `json:"origin"`
	AuthMode       string `json:"auth_mode"`
	Port           int    `json:"port"`
	ReleaseEpoch   uint64 `json:"release_epoch"`
	MemoTTLSeconds int64  `json:"memo_ttl_seconds"`
}

type cachePayload struct {
	Entries             int   `json:"entries"`
	TotalBytes          int64 `json:"total_bytes"`
	MaxBytes            int64 `json:"max_bytes"`
	MaxAgeSeconds       int64 `json:"max_age_seconds"`
	UtilizationPermille int64 `json:"utilization_permille"`
}

func encodeHubs(routes []server.HubRoute) []hubPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]hubPayload, 0, len(routes))
	for _, route := range routes {
		item := hubPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Type:     route.Config.Type,
			Origin:   route.Config.Origin(),
			AuthMode: route.Config.AuthMode(),
			Port:     route.ListenPort,
		}
		if route.Memo != nil {
			item.ReleaseEpoch = route.Memo.Epoch()
			item.MemoTTLSeconds = int64(route.Memo.TTL() / time.Second)
		}
		result = append(result, item)
	}
	return result
}

func encodeCacheStats(stats cache.Stats) cachePayload {
	payload := cachePayload{
		Entries:       stats.Entries,
		TotalBytes:    stats.TotalBytes,
		MaxBytes:      stats.MaxBytes,
		MaxAgeSeconds: int64(stats.MaxAge / time.Second),
	}
	if stats.MaxBytes > 0 {
		payload.UtilizationPermille = stats.TotalBytes * 1000 / stats.MaxBytes
	}
	return payload
}
