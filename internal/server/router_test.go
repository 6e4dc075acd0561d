package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://releases.hub.local/releases", nil)
	req.Host = "releases.hub.local"
	req.Header.Set("Host", "releases.hub.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Asset-Hub-Host"))
	}

	if app.storage.routeName != "releases" {
		t.Fatalf("expected releases route, got %s", app.storage.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReusesInboundRequestID(t *testing.T) {
	app := newTestApp(t, 5000)

	const inbound = "0f8c8c2b-c1e1-4cc0-b9e8-7dfd54ad22c9"
	req := httptest.NewRequest("GET", "http://releases.hub.local/", nil)
	req.Host = "releases.hub.local"
	req.Header.Set("X-Request-ID", inbound)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != inbound {
		t.Fatalf("expected inbound request id, got %q", got)
	}

	req = httptest.NewRequest("GET", "http://releases.hub.local/", nil)
	req.Host = "releases.hub.local"
	req.Header.Set("X-Request-ID", "not-a-uuid")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" || got == "not-a-uuid" {
		t.Fatalf("expected generated request id, got %q", got)
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/releases", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if resp.Header.Get("X-Asset-Hub-Host") != "unknown.local" {
		t.Fatalf("expected unmapped host header")
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, _ := newTestRegistry(t, testConfig(port, githubHub("releases", "releases.hub.local")))
	if _, ok := registry.Lookup("releases.hub.local"); !ok {
		t.Fatalf("registry lookup failed for releases")
	}

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     quietLogger(),
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	lastRoute *HubRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *HubRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
