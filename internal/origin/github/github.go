// Package github serves releases and assets from the GitHub Releases REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/asset-hub/asset-hub/internal/origin"
)

const (
	perPage  = 100
	maxPages = 50
	// IDPrefix 区分不同源站的缓存 key。
	IDPrefix = "github-"
)

// Options 描述一个 GitHub 仓库源站。
type Options struct {
	// BaseURL 为 API 根地址，如 https://api.github.com 或 GHE 的 /api/v3。
	BaseURL    string
	Repository string
	Token      string
	UserAgent  string
	Client     *http.Client
}

// Origin 实现 origin.Origin。
type Origin struct {
	base      *url.URL
	repo      string
	token     string
	userAgent string
	client    *http.Client
}

type apiRelease struct {
	TagName     string     `json:"tag_name"`
	Name        string     `json:"name"`
	Body        string     `json:"body"`
	Draft       bool       `json:"draft"`
	Prerelease  bool       `json:"prerelease"`
	PublishedAt time.Time  `json:"published_at"`
	Assets      []apiAsset `json:"assets"`
}

type apiAsset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// New 校验参数并构建 GitHub 源站。
func New(opts Options) (*Origin, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("github base url required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid github base url: %w", err)
	}
	repo := strings.Trim(opts.Repository, "/")
	if strings.Count(repo, "/") != 1 {
		return nil, fmt.Errorf("invalid github repository %q", opts.Repository)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "asset-hub"
	}
	return &Origin{
		base:      base,
		repo:      repo,
		token:     opts.Token,
		userAgent: userAgent,
		client:    client,
	}, nil
}

// ListReleases 分页拉取全部非草稿 release。
func (o *Origin) ListReleases(ctx context.Context) ([]origin.Release, error) {
	var releases []origin.Release
	for page := 1; page <= maxPages; page++ {
		batch, err := o.fetchReleasePage(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, item := range batch {
			if item.Draft {
				continue
			}
			releases = append(releases, convertRelease(item))
		}
		if len(batch) < perPage {
			break
		}
	}
	origin.SortReleases(releases)
	return releases, nil
}

// GetAssetStream 以 application/octet-stream 请求资产内容，API 会重定向到实际的下载地址。
func (o *Origin) GetAssetStream(ctx context.Context, asset origin.AssetRef) (io.ReadCloser, error) {
	if asset.Locator == "" {
		return nil, fmt.Errorf("%w: asset %s has no locator", origin.ErrNotFound, asset.ID)
	}
	endpoint := o.endpoint("releases", "assets", asset.Locator)
	resp, err := o.do(ctx, endpoint, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (o *Origin) fetchReleasePage(ctx context.Context, page int) ([]apiRelease, error) {
	endpoint := o.endpoint("releases")
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(perPage))
	query.Set("page", strconv.Itoa(page))
	endpoint.RawQuery = query.Encode()

	resp, err := o.do(ctx, endpoint, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var batch []apiRelease
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%w: decode releases: %w", origin.ErrOriginUnavailable, err)
	}
	return batch, nil
}

func (o *Origin) do(ctx context.Context, endpoint *url.URL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", o.userAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", origin.ErrOriginUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", origin.ErrNotFound, endpoint.Path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", origin.ErrOriginUnavailable, endpoint.Path, resp.StatusCode)
	}
	return resp, nil
}

func (o *Origin) endpoint(segments ...string) *url.URL {
	parts := append([]string{"repos", o.repo}, segments...)
	u := *o.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	u.RawQuery = ""
	return &u
}

func convertRelease(item apiRelease) origin.Release {
	release := origin.Release{
		Tag:         item.TagName,
		Name:        item.Name,
		Notes:       item.Body,
		PublishedAt: item.PublishedAt,
		Prerelease:  item.Prerelease,
		Assets:      make([]origin.AssetRef, 0, len(item.Assets)),
	}
	if release.Name == "" {
		release.Name = item.TagName
	}
	for _, asset := range item.Assets {
		contentType := asset.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		release.Assets = append(release.Assets, origin.AssetRef{
			ID:          IDPrefix + strconv.FormatInt(asset.ID, 10),
			Filename:    asset.Name,
			Size:        asset.Size,
			ContentType: contentType,
			Locator:     strconv.FormatInt(asset.ID, 10),
		})
	}
	return release
}
