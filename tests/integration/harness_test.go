package integration

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/metrics"
	"github.com/asset-hub/asset-hub/internal/origin"
	"github.com/asset-hub/asset-hub/internal/origin/github"
	"github.com/asset-hub/asset-hub/internal/proxy"
	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/server/routes"
)

// hubStack 是完整的 asset-hub 实例：磁盘缓存 + registry + Fiber，监听在随机端口。
type hubStack struct {
	URL      string
	CacheDir string
	Store    *cache.DiskCache
	Registry *server.HubRegistry
	Metrics  *metrics.Metrics
	client   *http.Client
}

func newHubStack(t *testing.T, hubs ...config.HubConfig) *hubStack {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cacheDir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			CachePath:       cacheDir,
			CacheMax:        1 << 20,
			CacheMaxAge:     config.Duration(time.Hour),
			MaxBufferSize:   1 << 20,
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		Hubs: hubs,
	}

	m := metrics.New()
	store, err := cache.New(cache.Options{
		Dir:      cacheDir,
		MaxBytes: cfg.Global.CacheMax,
		MaxAge:   cfg.Global.CacheMaxAge.DurationValue(),
		Logger:   logger,
		OnEvict:  m.ObserveEviction,
	})
	if err != nil {
		t.Fatalf("cache error: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("cache init error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	m.RegisterCache(store)

	registry, err := server.NewHubRegistry(context.Background(), cfg, server.RegistryOptions{
		Cache:   store,
		Logger:  logger,
		Metrics: m,
		NewOrigin: func(_ context.Context, hub config.HubConfig, client *http.Client) (origin.Origin, error) {
			return github.New(github.Options{
				BaseURL:    hub.Upstream,
				Repository: hub.Repository,
				Token:      hub.Token,
				Client:     client,
			})
		},
	})
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(logger, m),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnostics(app, routes.DiagnosticsOptions{
		Registry: registry,
		Cache:    store,
		Metrics:  m,
		Logger:   logger,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to listen: %v", err)
	}
	go func() {
		_ = app.Listener(listener, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() { _ = app.Shutdown() })

	return &hubStack{
		URL:      "http://" + listener.Addr().String(),
		CacheDir: cacheDir,
		Store:    store,
		Registry: registry,
		Metrics:  m,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Get 以指定 Host 请求 asset-hub，并读完整个 body。
func (s *hubStack) Get(t *testing.T, host, path string) (*http.Response, []byte, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	req.Host = host
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, body, err
}

func githubHubConfig(name, domain string, stub *githubStub) config.HubConfig {
	return config.HubConfig{
		Name:       name,
		Domain:     domain,
		Type:       config.HubTypeGitHub,
		Upstream:   stub.URL,
		Repository: stub.repo,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
