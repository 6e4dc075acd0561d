package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// githubStub 模拟 GitHub Releases API：release 列表与 octet-stream 资产下载。
type githubStub struct {
	server   *http.Server
	listener net.Listener
	URL      string
	repo     string

	mu       sync.Mutex
	requests []RecordedRequest
	assets   map[int64]stubAsset
	// truncate 为 true 时资产响应只写出一半字节后断开。
	truncate bool
	// gate 非空时资产下载在发送 body 前等待 gate 关闭。
	gate chan struct{}
}

type stubAsset struct {
	tag  string
	name string
	body []byte
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言回源行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

func newGitHubStub(t *testing.T, repo string) *githubStub {
	t.Helper()

	stub := &githubStub{
		repo:   repo,
		assets: map[int64]stubAsset{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/"+repo+"/releases", stub.serveReleases)
	mux.HandleFunc("/repos/"+repo+"/releases/assets/", stub.serveAsset)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		mux.ServeHTTP(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: handler}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *githubStub) AddAsset(id int64, tag, name string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[id] = stubAsset{tag: tag, name: name, body: body}
}

// SetTruncate 切换资产响应是否被截断。
func (s *githubStub) SetTruncate(truncate bool) {
	s.mu.Lock()
	s.truncate = truncate
	s.mu.Unlock()
}

// HoldAssets 让后续资产下载阻塞，直到返回的 release 函数被调用。
func (s *githubStub) HoldAssets() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *githubStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *githubStub) recordRequest(r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
	})
	s.mu.Unlock()
}

func (s *githubStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// AssetDownloads 统计资产下载请求次数。
func (s *githubStub) AssetDownloads() int {
	count := 0
	for _, req := range s.Requests() {
		if strings.Contains(req.Path, "/releases/assets/") {
			count++
		}
	}
	return count
}

func (s *githubStub) serveReleases(w http.ResponseWriter, r *http.Request) {
	type asset struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Size        int    `json:"size"`
		ContentType string `json:"content_type"`
	}
	type release struct {
		TagName     string    `json:"tag_name"`
		Name        string    `json:"name"`
		PublishedAt time.Time `json:"published_at"`
		Assets      []asset   `json:"assets"`
	}

	if page := r.URL.Query().Get("page"); page != "" && page != "1" {
		writeJSON(w, []release{})
		return
	}

	s.mu.Lock()
	byTag := map[string]*release{}
	var ordered []*release
	for id, a := range s.assets {
		rel, ok := byTag[a.tag]
		if !ok {
			rel = &release{
				TagName:     a.tag,
				Name:        a.tag,
				PublishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(len(ordered)) * time.Hour),
			}
			byTag[a.tag] = rel
			ordered = append(ordered, rel)
		}
		rel.Assets = append(rel.Assets, asset{
			ID:          id,
			Name:        a.name,
			Size:        len(a.body),
			ContentType: "application/octet-stream",
		})
	}
	s.mu.Unlock()

	result := make([]release, 0, len(ordered))
	for _, rel := range ordered {
		result = append(result, *rel)
	}
	writeJSON(w, result)
}

func (s *githubStub) serveAsset(w http.ResponseWriter, r *http.Request) {
	idText := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	a, ok := s.assets[id]
	truncate := s.truncate
	gate := s.gate
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(a.body)))
	if truncate {
		// 声明完整长度但只写出一半，net/http 会在 handler 返回后断开连接。
		_, _ = w.Write(a.body[:len(a.body)/2])
		return
	}
	_, _ = w.Write(a.body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
