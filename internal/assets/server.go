// Package assets streams release assets to clients from the disk cache, or from
// the origin while persisting the same bytes to the cache. Concurrent requests
// for one uncached asset share a single origin fetch.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/origin"
)

const (
	defaultMaxBufferSize int64 = 64 * 1024 * 1024
	// maxJoinAttempts 限制 follower 因 leader 失败而重新排队的次数，超出后直接回源。
	maxJoinAttempts = 3
)

const (
	flightPending int32 = iota
	flightLeading
	flightAbandoned
)

// flightOutcome 描述 joinOrLead 中本次调用扮演的角色。
type flightOutcome int

const (
	// flightWaited：等待了其他回源，sink 未被写入，调用方应重新检查缓存。
	flightWaited flightOutcome = iota
	// flightLed：本次调用发起了回源。
	flightLed
	// flightShared：加入了进行中的回源，字节由 leader 直接写入 sink。
	flightShared
)

// Sink 接收资产字节。Declare 在任何 Write 之前调用且只调用一次。
type Sink interface {
	io.Writer
	Declare(size int64, filename string) error
}

// Cache 是 AssetServer 依赖的磁盘缓存能力，由 *cache.DiskCache 实现。
type Cache interface {
	Has(key string) bool
	Get(ctx context.Context, key string) (*cache.ReadResult, error)
	Set(ctx context.Context, key string, body io.Reader) (*cache.Entry, error)
	Remove(ctx context.Context, key string) error
}

// Metrics 记录交付结果，由 *metrics.Metrics 实现。
type Metrics interface {
	ObserveDelivery(hub string, cacheHit, joined bool, bytes int64)
	ObserveOriginFetch(hub, op string, duration time.Duration, err error)
	ObserveCacheWriteFailure(hub string)
	ObserveSinkAbort(hub string)
}

// Options 构造 Server 所需的依赖。
type Options struct {
	// Hub 仅用于日志与指标标签。
	Hub           string
	Cache         Cache
	Origin        origin.Origin
	Logger        *logrus.Logger
	Metrics       Metrics
	MaxBufferSize int64
}

// Delivery 汇总一次 ServeAsset 的结果。
type Delivery struct {
	CacheHit bool
	// Joined 表示本次请求曾等待其他请求的回源结果。
	Joined bool
	Bytes  int64
}

// Server 负责单个 Hub 的资产交付。
type Server struct {
	hub       string
	cache     Cache
	origin    origin.Origin
	logger    *logrus.Logger
	metrics   Metrics
	maxBuffer int64

	flights singleflight.Group

	mu      sync.Mutex
	fanouts map[string]*fanout
}

// NewServer 校验依赖并填充默认值。
func NewServer(opts Options) (*Server, error) {
	if opts.Cache == nil {
		return nil, errors.New("assets: cache required")
	}
	if opts.Origin == nil {
		return nil, errors.New("assets: origin required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	maxBuffer := opts.MaxBufferSize
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBufferSize
	}
	return &Server{
		hub:       opts.Hub,
		cache:     opts.Cache,
		origin:    opts.Origin,
		logger:    logger,
		metrics:   metrics,
		maxBuffer: maxBuffer,
		fanouts:   make(map[string]*fanout),
	}, nil
}

// Cached 报告资产当前是否已在磁盘缓存中，仅作为响应头提示。
func (s *Server) Cached(id string) bool {
	return id != "" && s.cache.Has(id)
}

// ServeAsset 将 asset 写入 sink：缓存命中时直接读盘，否则回源并同时写入缓存。
// 同一资产的并发请求只会触发一次回源：在首字节之前到达的请求直接共享 leader 的字节流，
// 之后到达的请求等待回源结束再从缓存读取。
func (s *Server) ServeAsset(ctx context.Context, asset origin.AssetRef, sink Sink) (Delivery, error) {
	if asset.ID == "" {
		return Delivery{}, ErrInvalidAsset
	}
	if err := sink.Declare(asset.Size, asset.Filename); err != nil {
		return Delivery{}, sinkAborted(err)
	}

	joined := false
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.complete(asset, Delivery{Joined: joined}, sinkAborted(err))
		}

		if s.cache.Has(asset.ID) {
			delivery, err := s.streamCached(ctx, asset, sink)
			if !errors.Is(err, cache.ErrNotFound) {
				delivery.Joined = joined
				return s.complete(asset, delivery, err)
			}
		}

		if attempt > maxJoinAttempts {
			delivery, err := s.fetchAndTee(ctx, asset, sink)
			delivery.Joined = joined
			return s.complete(asset, delivery, err)
		}

		outcome, delivery, err := s.joinOrLead(ctx, asset, sink)
		switch outcome {
		case flightLed:
			delivery.Joined = joined
			return s.complete(asset, delivery, err)
		case flightShared:
			// 尚未收到任何字节的 follower 可以安全重试。
			if err == nil || delivery.Bytes > 0 ||
				errors.Is(err, ErrSinkAborted) || errors.Is(err, origin.ErrNotFound) {
				return s.complete(asset, delivery, err)
			}
		}
		joined = true
		if errors.Is(err, origin.ErrNotFound) {
			return s.complete(asset, Delivery{Joined: true}, err)
		}
		if err != nil {
			s.logger.WithFields(logging.AssetFields(asset.ID, asset.Filename, asset.Size)).
				WithError(err).
				WithField("attempt", attempt).
				Debug("asset_flight_retry")
		}
	}
}

// joinOrLead 加入或发起 asset.ID 的回源。
func (s *Server) joinOrLead(ctx context.Context, asset origin.AssetRef, sink Sink) (flightOutcome, Delivery, error) {
	if fan, m := s.attach(asset.ID, sink); m != nil {
		delivery, err := s.follow(ctx, fan, m)
		return flightShared, delivery, err
	}

	// 回源与发起者的取消解耦：发起者离开后，只要还有 follower 在接收就继续。
	fetchCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	primary := newMember(sink)
	fan := newFanout(primary, stop)

	var state atomic.Int32
	ch := s.flights.DoChan(asset.ID, func() (interface{}, error) {
		defer stop()
		if !state.CompareAndSwap(flightPending, flightLeading) {
			return nil, errFlightAbandoned
		}
		return nil, s.lead(fetchCtx, asset, fan)
	})

	select {
	case res := <-ch:
		if state.Load() != flightLeading {
			stop()
			return flightWaited, Delivery{}, res.Err
		}
		written, err := primary.result()
		return flightLed, Delivery{Bytes: written}, err
	case <-ctx.Done():
		if state.CompareAndSwap(flightPending, flightAbandoned) {
			stop()
			return flightWaited, Delivery{}, ctx.Err()
		}
		// detach 返回后 leader 不会再写入本次调用的 sink。
		primary.detach(sinkAborted(ctx.Err()))
		fan.release()
		written, err := primary.result()
		return flightLed, Delivery{Bytes: written}, err
	}
}

// lead 在 fanout 登记期间回源，使后续请求可以直接加入。
func (s *Server) lead(ctx context.Context, asset origin.AssetRef, fan *fanout) error {
	s.mu.Lock()
	s.fanouts[asset.ID] = fan
	s.mu.Unlock()

	_, err := s.fetchAndTee(ctx, asset, fan)
	fan.finish(err)

	s.mu.Lock()
	if s.fanouts[asset.ID] == fan {
		delete(s.fanouts, asset.ID)
	}
	s.mu.Unlock()
	return err
}

func (s *Server) attach(id string, sink io.Writer) (*fanout, *member) {
	s.mu.Lock()
	fan, ok := s.fanouts[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	m, ok := fan.attach(sink)
	if !ok {
		return nil, nil
	}
	return fan, m
}

func (s *Server) follow(ctx context.Context, fan *fanout, m *member) (Delivery, error) {
	select {
	case <-m.done:
	case <-ctx.Done():
		m.detach(sinkAborted(ctx.Err()))
		fan.release()
	}
	written, err := m.result()
	return Delivery{Joined: true, Bytes: written}, err
}

func (s *Server) streamCached(ctx context.Context, asset origin.AssetRef, sink Sink) (Delivery, error) {
	result, err := s.cache.Get(ctx, asset.ID)
	if err != nil {
		return Delivery{}, err
	}
	defer result.Reader.Close()

	if asset.Size > 0 && result.Entry.SizeBytes != asset.Size {
		s.logger.WithFields(logging.AssetFields(asset.ID, asset.Filename, asset.Size)).
			WithField("cached_size", result.Entry.SizeBytes).
			Warn("cache_size_mismatch")
		if err := s.cache.Remove(ctx, asset.ID); err != nil {
			s.logger.WithError(err).WithField("asset_id", asset.ID).Warn("cache_remove_failed")
		}
		return Delivery{}, cache.ErrNotFound
	}

	written, err := copyToSink(ctx, sink, result.Reader)
	return Delivery{CacheHit: true, Bytes: written}, err
}

func (s *Server) fetchAndTee(ctx context.Context, asset origin.AssetRef, sink io.Writer) (Delivery, error) {
	started := time.Now()
	body, err := s.origin.GetAssetStream(ctx, asset)
	s.metrics.ObserveOriginFetch(s.hub, "stream", time.Since(started), err)
	if err != nil {
		return Delivery{}, classifyOriginErr(err)
	}
	defer body.Close()

	written, cacheErr, err := s.fork(ctx, asset, body, sink)
	if err == nil && cacheErr != nil {
		s.metrics.ObserveCacheWriteFailure(s.hub)
		s.logger.WithFields(logging.AssetFields(asset.ID, asset.Filename, asset.Size)).
			WithError(cacheErr).
			Warn("cache_write_failed")
	}
	return Delivery{Bytes: written}, err
}

func (s *Server) complete(asset origin.AssetRef, delivery Delivery, err error) (Delivery, error) {
	fields := logging.AssetFields(asset.ID, asset.Filename, asset.Size)
	fields["hub"] = s.hub
	fields["cache_hit"] = delivery.CacheHit
	fields["joined"] = delivery.Joined
	fields["bytes"] = delivery.Bytes

	switch {
	case err == nil:
		s.metrics.ObserveDelivery(s.hub, delivery.CacheHit, delivery.Joined, delivery.Bytes)
		s.logger.WithFields(fields).Debug("asset_delivered")
	case errors.Is(err, ErrSinkAborted):
		s.metrics.ObserveSinkAbort(s.hub)
		s.logger.WithFields(fields).WithError(err).Info("asset_sink_aborted")
	case errors.Is(err, origin.ErrNotFound):
		s.logger.WithFields(fields).Debug("asset_not_found")
	default:
		s.logger.WithFields(fields).WithError(err).Warn("asset_delivery_failed")
	}
	return delivery, err
}

// copyToSink 将 src 全部写入 sink；sink 写入失败或 ctx 结束时返回 ErrSinkAborted。
func copyToSink(ctx context.Context, sink io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, sinkAborted(err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := sink.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, sinkAborted(err)
			}
			if w < n {
				return written, sinkAborted(io.ErrShortWrite)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, fmt.Errorf("read cached asset: %w", readErr)
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) ObserveDelivery(string, bool, bool, int64)               {}
func (noopMetrics) ObserveOriginFetch(string, string, time.Duration, error) {}
func (noopMetrics) ObserveCacheWriteFailure(string)                         {}
func (noopMetrics) ObserveSinkAbort(string)                                 {}
