// Package origin defines the interface the asset server uses to reach the
// upstream that actually owns releases (GitHub Releases, an S3 bucket), plus the
// release/asset model shared by every adapter.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// LatestTag 是下载路径中代表“最新正式版本”的保留标签。
const LatestTag = "latest"

// ErrNotFound 表示源站确认 release 或资产不存在。
var ErrNotFound = errors.New("origin: not found")

// ErrOriginUnavailable 表示源站请求失败或响应异常，调用方不应缓存任何结果。
var ErrOriginUnavailable = errors.New("origin: unavailable")

// AssetRef 描述一个可下载的发布资产。ID 同时作为磁盘缓存的 key，
// 必须在请求和进程重启之间保持稳定；Locator 仅供具体源站定位对象。
type AssetRef struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Locator     string `json:"-"`
}

// Release 是一个带标签的版本及其资产列表。
type Release struct {
	Tag         string     `json:"tag"`
	Name        string     `json:"name"`
	Notes       string     `json:"notes,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
	Prerelease  bool       `json:"prerelease"`
	Assets      []AssetRef `json:"assets"`
}

// Origin 是资产服务依赖的源站能力。
type Origin interface {
	ListReleases(ctx context.Context) ([]Release, error)
	GetAssetStream(ctx context.Context, asset AssetRef) (io.ReadCloser, error)
}

// SortReleases 按发布时间倒序排列，时间相同则按标签倒序，保证输出稳定。
func SortReleases(releases []Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		if !releases[i].PublishedAt.Equal(releases[j].PublishedAt) {
			return releases[i].PublishedAt.After(releases[j].PublishedAt)
		}
		return releases[i].Tag > releases[j].Tag
	})
}

// FindRelease 按标签查找 release；tag 为 latest 时返回最新的正式版本。
func FindRelease(releases []Release, tag string) (Release, error) {
	if strings.EqualFold(tag, LatestTag) {
		var latest *Release
		for i := range releases {
			r := &releases[i]
			if r.Prerelease {
				continue
			}
			if latest == nil || r.PublishedAt.After(latest.PublishedAt) {
				latest = r
			}
		}
		if latest == nil {
			return Release{}, fmt.Errorf("%w: no stable release", ErrNotFound)
		}
		return *latest, nil
	}

	for _, r := range releases {
		if r.Tag == tag {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("%w: release %s", ErrNotFound, tag)
}

// FindAsset 在 releases 中定位 tag 下名为 filename 的资产。
func FindAsset(releases []Release, tag, filename string) (Release, AssetRef, error) {
	release, err := FindRelease(releases, tag)
	if err != nil {
		return Release{}, AssetRef{}, err
	}
	for _, asset := range release.Assets {
		if asset.Filename == filename {
			return release, asset, nil
		}
	}
	return release, AssetRef{}, fmt.Errorf("%w: asset %s in release %s", ErrNotFound, filename, release.Tag)
}
