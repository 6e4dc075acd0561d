package integration

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInterruptedUpstreamLeavesNoCacheEntry(t *testing.T) {
	stub := newGitHubStub(t, "example/app")
	payload := bytes.Repeat([]byte("partial"), 4096)
	stub.AddAsset(404, "v1.0.0", "broken.bin", payload)
	stub.SetTruncate(true)

	stack := newHubStack(t, githubHubConfig("releases", releasesHost, stub))

	resp, body, err := stack.Get(t, releasesHost, "/download/v1.0.0/broken.bin")
	if err == nil && resp.StatusCode == http.StatusOK && len(body) == len(payload) {
		t.Fatalf("truncated upstream must not yield a complete response")
	}

	route, _ := stack.Registry.ByName("releases")
	// 交付在后台 goroutine 中结束，等待临时文件被清理。
	waitFor(t, 2*time.Second, func() bool { return len(tempFiles(t, stack.CacheDir)) == 0 })
	if route.Assets.Cached("github-404") {
		t.Fatalf("truncated asset must not be cached")
	}
	if stats := stack.Store.Stats(); stats.Entries != 0 {
		t.Fatalf("expected empty cache, got %+v", stats)
	}

	// 源站恢复后下一次请求重新回源并成功。
	stub.SetTruncate(false)
	resp, body, err = stack.Get(t, releasesHost, "/download/v1.0.0/broken.bin")
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("expected full payload after recovery, got status %d and %d bytes", resp.StatusCode, len(body))
	}
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	var result []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".cache-") {
			result = append(result, filepath.Join(dir, entry.Name()))
		}
	}
	return result
}
