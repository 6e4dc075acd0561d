package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/metrics"
	"github.com/asset-hub/asset-hub/internal/origin"
	"github.com/asset-hub/asset-hub/internal/origin/github"
	"github.com/asset-hub/asset-hub/internal/origin/s3"
	"github.com/asset-hub/asset-hub/internal/proxy"
	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/server/routes"
	"github.com/asset-hub/asset-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["hubs"] = len(cfg.Hubs)
		fields["credentials"] = config.CredentialModes(cfg.Hubs)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx := context.Background()
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["hubs"] = len(cfg.Hubs)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Hubs)
	fields["cache_dir"] = cfg.Global.CachePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	if err := svc.app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort)); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// service 聚合运行期依赖，close 释放缓存目录锁。
type service struct {
	app      *fiber.App
	store    *cache.DiskCache
	registry *server.HubRegistry
	metrics  *metrics.Metrics
}

func (s *service) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// buildService 遵循“磁盘缓存 → 指标 → HubRegistry → Fiber app”顺序，
// 保证所有 Hub 共享同一个缓存实例与 registry。
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	m := metrics.New()

	store, err := cache.New(cache.Options{
		Dir:      cfg.Global.CachePath,
		MaxBytes: cfg.Global.CacheMax,
		MaxAge:   cfg.Global.CacheMaxAge.DurationValue(),
		Logger:   logger,
		OnEvict:  m.ObserveEviction,
	})
	if err != nil {
		return nil, fmt.Errorf("创建磁盘缓存失败: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	m.RegisterCache(store)

	svc := &service{store: store, metrics: m}

	registry, err := server.NewHubRegistry(ctx, cfg, server.RegistryOptions{
		Cache:     store,
		Logger:    logger,
		Metrics:   m,
		Client:    server.NewUpstreamClient(cfg),
		NewOrigin: buildOrigin,
	})
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("构建 Hub 注册表失败: %w", err)
	}
	svc.registry = registry

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(logger, m),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		svc.close()
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.DiagnosticsOptions{
		Registry: registry,
		Cache:    store,
		Metrics:  m,
		Logger:   logger,
	})
	svc.app = app

	return svc, nil
}

// buildOrigin 按 Hub 类型构建源站适配器。
func buildOrigin(ctx context.Context, hub config.HubConfig, client *http.Client) (origin.Origin, error) {
	switch hub.Type {
	case config.HubTypeGitHub:
		return github.New(github.Options{
			BaseURL:    hub.Upstream,
			Repository: hub.Repository,
			Token:      hub.Token,
			UserAgent:  "asset-hub/" + version.Version,
			Client:     client,
		})
	case config.HubTypeS3:
		s3Client, err := s3.NewClient(ctx, s3.ClientOptions{
			Region:     hub.Region,
			Endpoint:   hub.Endpoint,
			HTTPClient: client,
		})
		if err != nil {
			return nil, err
		}
		return s3.New(s3.Options{
			Client: s3Client,
			Bucket: hub.Bucket,
			Prefix: hub.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported hub type %q", hub.Type)
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asset-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ASSET_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
