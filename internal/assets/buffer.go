package assets

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/asset-hub/asset-hub/internal/origin"
)

// ReadAsset 将资产完整读入内存，不经过磁盘缓存。源站流在任何路径上
// （成功、读取失败、ctx 取消）都只会被关闭一次。
func (s *Server) ReadAsset(ctx context.Context, asset origin.AssetRef) ([]byte, error) {
	if asset.Size > s.maxBuffer {
		return nil, fmt.Errorf("%w: %s declares %d bytes, limit %d", ErrAssetTooLarge, asset.Filename, asset.Size, s.maxBuffer)
	}

	started := time.Now()
	body, err := s.origin.GetAssetStream(ctx, asset)
	s.metrics.ObserveOriginFetch(s.hub, "read", time.Since(started), err)
	if err != nil {
		return nil, classifyOriginErr(err)
	}

	var once sync.Once
	closeBody := func() {
		once.Do(func() { body.Close() })
	}
	defer closeBody()
	// ctx 结束时关闭流以打断阻塞中的 Read。
	stop := context.AfterFunc(ctx, closeBody)
	defer stop()

	data, err := io.ReadAll(io.LimitReader(body, s.maxBuffer+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read %s: %w", origin.ErrOriginUnavailable, asset.ID, err)
	}
	if int64(len(data)) > s.maxBuffer {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrAssetTooLarge, asset.Filename, s.maxBuffer)
	}
	return data, nil
}
