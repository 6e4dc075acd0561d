package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/assets"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/metrics"
	"github.com/asset-hub/asset-hub/internal/origin"
	"github.com/asset-hub/asset-hub/internal/server"
)

// statusClientClosedRequest 沿用 nginx 的 499，仅用于日志与指标。
const statusClientClosedRequest = 499

const (
	endpointReleases = "releases"
	endpointDownload = "download"
	endpointChecksum = "checksum"
)

// Handler 负责单个 Hub 的 release 列表、资产下载与校验和接口。
type Handler struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a handler with the shared logger and optional metrics.
func NewHandler(logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:  logger,
		metrics: m,
	}
}

// Handle 根据路径分发：
//
//	GET  /, /releases                 记忆化的 release 列表
//	GET  /download/{tag}/{filename}   流式下载（HEAD 只返回头部）
//	GET  /checksum/{tag}/{filename}   资产 sha256
func (h *Handler) Handle(c fiber.Ctx, route *server.HubRoute) error {
	segments := splitPath(string(c.Request().URI().Path()))
	method := c.Method()

	switch {
	case len(segments) == 0 || (len(segments) == 1 && segments[0] == endpointReleases):
		if method != http.MethodGet {
			return h.methodNotAllowed(c, http.MethodGet)
		}
		return h.serveReleases(c, route)
	case len(segments) == 3 && segments[0] == endpointDownload:
		if method != http.MethodGet && method != http.MethodHead {
			return h.methodNotAllowed(c, "GET, HEAD")
		}
		return h.serveDownload(c, route, segments[1], segments[2])
	case len(segments) == 3 && segments[0] == endpointChecksum:
		if method != http.MethodGet {
			return h.methodNotAllowed(c, http.MethodGet)
		}
		return h.serveChecksum(c, route, segments[1], segments[2])
	default:
		return h.writeError(c, fiber.StatusNotFound, "not_found")
	}
}

func (h *Handler) serveReleases(c fiber.Ctx, route *server.HubRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	releases, err := route.Releases(requestContext(c))
	if err != nil {
		status, code := classify(err)
		h.logResult(route, endpointReleases, requestID, status, false, started, logrus.Fields{}, err)
		return h.writeError(c, status, code)
	}
	if releases == nil {
		releases = []origin.Release{}
	}

	h.logResult(route, endpointReleases, requestID, fiber.StatusOK, false, started, logrus.Fields{"releases": len(releases)}, nil)
	return c.JSON(fiber.Map{
		"hub":      route.Config.Name,
		"releases": releases,
	})
}

func (h *Handler) serveDownload(c fiber.Ctx, route *server.HubRoute, tag, filename string) error {
	started := time.Now()
	requestID := server.RequestID(c)

	release, asset, err := resolveAsset(requestContext(c), route, tag, filename)
	if err != nil {
		status, code := classify(err)
		h.logResult(route, endpointDownload, requestID, status, false, started, downloadFields(tag, filename), err)
		return h.writeError(c, status, code)
	}

	cacheHit := route.Assets.Cached(asset.ID)
	setAssetHeaders(c, release, asset, cacheHit)

	if c.Method() == http.MethodHead {
		if asset.Size > 0 {
			c.Response().Header.SetContentLength(int(asset.Size))
		}
		c.Status(fiber.StatusOK)
		h.logResult(route, endpointDownload, requestID, fiber.StatusOK, cacheHit, started, logging.AssetFields(asset.ID, asset.Filename, asset.Size), nil)
		return nil
	}

	// fasthttp 在 handler 返回后才读取 body stream，交付必须脱离 fiber.Ctx 的生命周期。
	sink := newStreamSink()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		delivery, err := route.Assets.ServeAsset(ctx, asset, sink)
		sink.finish(err)

		fields := logging.AssetFields(asset.ID, asset.Filename, asset.Size)
		fields["bytes"] = delivery.Bytes
		fields["joined"] = delivery.Joined
		status := fiber.StatusOK
		if err != nil {
			status, _ = classify(err)
		}
		h.logResult(route, endpointDownload, requestID, status, delivery.CacheHit, started, fields, err)
	}()

	state := <-sink.ready
	if !state.started {
		if state.err != nil {
			status, code := classify(state.err)
			c.Response().Header.Del(fiber.HeaderContentDisposition)
			return h.writeError(c, status, code)
		}
		c.Status(fiber.StatusOK)
		return nil
	}

	bodySize := -1
	if sink.size > 0 {
		bodySize = int(sink.size)
	}
	c.Status(fiber.StatusOK)
	c.Response().SetBodyStream(sink.reader, bodySize)
	return nil
}

func (h *Handler) serveChecksum(c fiber.Ctx, route *server.HubRoute, tag, filename string) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := requestContext(c)

	release, asset, err := resolveAsset(ctx, route, tag, filename)
	if err == nil {
		var data []byte
		data, err = route.Assets.ReadAsset(ctx, asset)
		if err == nil {
			sum := sha256.Sum256(data)
			fields := logging.AssetFields(asset.ID, asset.Filename, asset.Size)
			h.logResult(route, endpointChecksum, requestID, fiber.StatusOK, false, started, fields, nil)
			return c.JSON(fiber.Map{
				"tag":      release.Tag,
				"filename": asset.Filename,
				"asset_id": asset.ID,
				"size":     len(data),
				"sha256":   hex.EncodeToString(sum[:]),
			})
		}
	}

	status, code := classify(err)
	h.logResult(route, endpointChecksum, requestID, status, false, started, downloadFields(tag, filename), err)
	return h.writeError(c, status, code)
}

func (h *Handler) methodNotAllowed(c fiber.Ctx, allow string) error {
	c.Set(fiber.HeaderAllow, allow)
	return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.HubRoute,
	endpoint string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	extra logrus.Fields,
	err error,
) {
	elapsed := time.Since(started)
	if h.metrics != nil {
		h.metrics.ObserveRequest(route.Config.Name, endpoint, status, elapsed)
	}

	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.Type,
		route.Config.AuthMode(),
		cacheHit,
	)
	for key, value := range extra {
		fields[key] = value
	}
	fields["action"] = endpoint
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}

	switch {
	case err == nil:
		h.logger.WithFields(fields).Info("request_complete")
	case status == statusClientClosedRequest || status == fiber.StatusNotFound:
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Info("request_incomplete")
	default:
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("request_failed")
	}
}

// classify 将领域错误映射为 HTTP 状态码与错误码。
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, origin.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, assets.ErrAssetTooLarge):
		return fiber.StatusRequestEntityTooLarge, "asset_too_large"
	case errors.Is(err, assets.ErrSinkAborted),
		errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "client_closed_request"
	case errors.Is(err, assets.ErrInvalidAsset):
		return fiber.StatusInternalServerError, "invalid_asset"
	default:
		return fiber.StatusBadGateway, "origin_unavailable"
	}
}

func setAssetHeaders(c fiber.Ctx, release origin.Release, asset origin.AssetRef, cacheHit bool) {
	contentType := asset.ContentType
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": asset.Filename}); disposition != "" {
		c.Set(fiber.HeaderContentDisposition, disposition)
	} else {
		c.Set(fiber.HeaderContentDisposition, "attachment")
	}
	c.Set("X-Asset-Hub-Cache-Hit", strconv.FormatBool(cacheHit))
	c.Set("X-Asset-Hub-Release", release.Tag)
	c.Set("X-Asset-Hub-Asset-Id", asset.ID)
}

func resolveAsset(ctx context.Context, route *server.HubRoute, tag, filename string) (origin.Release, origin.AssetRef, error) {
	releases, err := route.Releases(ctx)
	if err != nil {
		return origin.Release{}, origin.AssetRef{}, err
	}
	return origin.FindAsset(releases, tag, filename)
}

func downloadFields(tag, filename string) logrus.Fields {
	return logrus.Fields{"tag": tag, "filename": filename}
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func splitPath(raw string) []string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
