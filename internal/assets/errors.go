package assets

import (
	"context"
	"errors"
	"fmt"

	"github.com/asset-hub/asset-hub/internal/origin"
)

// ErrSinkAborted 表示客户端在交付完成前断开或写入失败；源站读取与缓存写入随之取消。
var ErrSinkAborted = errors.New("asset sink aborted")

// ErrAssetTooLarge 表示资产超过内存缓冲上限。
var ErrAssetTooLarge = errors.New("asset exceeds buffer limit")

// ErrInvalidAsset 表示 AssetRef 缺少缓存 key。
var ErrInvalidAsset = errors.New("asset id required")

var errFlightAbandoned = errors.New("asset flight abandoned before start")

// classifyOriginErr 确保源站错误至少能被识别为 NotFound 或 Unavailable。
func classifyOriginErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, origin.ErrNotFound),
		errors.Is(err, origin.ErrOriginUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", origin.ErrOriginUnavailable, err)
	}
}

func sinkAborted(err error) error {
	if errors.Is(err, ErrSinkAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSinkAborted, err)
}
