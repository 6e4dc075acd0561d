package server

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/asset-hub/asset-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有源站请求。
// 超时只约束等待响应头的时间，资产正文可能持续传输数分钟。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{
		Transport: transport,
	}
}

// NewHubClient 为配置了 Proxy 的 Hub 派生独立的 client；未配置时直接复用 base。
func NewHubClient(base *http.Client, proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return base
	}

	transport, ok := base.Transport.(*http.Transport)
	if !ok || transport == nil {
		transport = defaultTransport
	}
	cloned := transport.Clone()
	cloned.Proxy = http.ProxyURL(proxyURL)

	return &http.Client{
		Transport:     cloned,
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
	}
}
