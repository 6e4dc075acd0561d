package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/origin"
)

// stubOrigin 返回固定的 release 列表，并记录 ListReleases 调用次数。
type stubOrigin struct {
	hub   string
	calls int
}

func (s *stubOrigin) ListReleases(context.Context) ([]origin.Release, error) {
	s.calls++
	return []origin.Release{{Tag: "v1.0.0", Name: s.hub}}, nil
}

func (s *stubOrigin) GetAssetStream(context.Context, origin.AssetRef) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("payload")), nil
}

func testConfig(port int, hubs ...config.HubConfig) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:    port,
			CacheMaxAge:   config.Duration(time.Hour),
			MaxBufferSize: 1 << 20,
		},
		Hubs: hubs,
	}
}

func githubHub(name, domain string) config.HubConfig {
	return config.HubConfig{
		Name:       name,
		Domain:     domain,
		Type:       config.HubTypeGitHub,
		Upstream:   config.DefaultGitHubAPI,
		Repository: "example/" + name,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRegistry(t *testing.T, cfg *config.Config) (*HubRegistry, map[string]*stubOrigin) {
	t.Helper()

	store := newRegistryCache(t)
	origins := map[string]*stubOrigin{}
	registry, err := NewHubRegistry(context.Background(), cfg, RegistryOptions{
		Cache:  store,
		Logger: quietLogger(),
		NewOrigin: func(_ context.Context, hub config.HubConfig, _ *http.Client) (origin.Origin, error) {
			o := &stubOrigin{hub: hub.Name}
			origins[hub.Name] = o
			return o, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry, origins
}

func newRegistryCache(t *testing.T) *cache.DiskCache {
	t.Helper()
	store, err := cache.New(cache.Options{Dir: t.TempDir(), MaxBytes: 1 << 20, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
