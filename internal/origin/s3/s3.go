// Package s3 serves releases from an S3 (or S3-compatible) bucket laid out as
// <prefix><tag>/<filename>.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/asset-hub/asset-hub/internal/origin"
)

// IDPrefix 区分不同源站的缓存 key。
const IDPrefix = "s3-"

// API 是本包用到的 S3 客户端子集，测试中以内存实现替代。
type API interface {
	awss3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Options 描述 bucket 与对象前缀。
type Options struct {
	Client API
	Bucket string
	Prefix string
}

// Origin 实现 origin.Origin。
type Origin struct {
	client API
	bucket string
	prefix string
}

// ClientOptions 用于构建真实的 S3 客户端。
type ClientOptions struct {
	Region     string
	Endpoint   string
	HTTPClient *http.Client
}

// NewClient 通过默认凭证链构建 S3 客户端；Endpoint 非空时使用 path-style 访问兼容存储。
func NewClient(ctx context.Context, opts ClientOptions) (*awss3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(buildableClient(opts.HTTPClient)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// buildableClient 把 Hub 的代理与超时设置迁移到 SDK 可扩展的 client 上，
// 使 AWS_CA_BUNDLE 等配置仍能追加 TLS 选项。
func buildableClient(base *http.Client) *awshttp.BuildableClient {
	client := awshttp.NewBuildableClient().WithTimeout(base.Timeout)
	transport, ok := base.Transport.(*http.Transport)
	if !ok || transport == nil {
		return client
	}
	return client.WithTransportOptions(func(tr *http.Transport) {
		tr.Proxy = transport.Proxy
		tr.ResponseHeaderTimeout = transport.ResponseHeaderTimeout
		if transport.TLSHandshakeTimeout > 0 {
			tr.TLSHandshakeTimeout = transport.TLSHandshakeTimeout
		}
		if transport.IdleConnTimeout > 0 {
			tr.IdleConnTimeout = transport.IdleConnTimeout
		}
	})
}

// New 构建 S3 源站。
func New(opts Options) (*Origin, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	prefix := strings.TrimLeft(opts.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Origin{client: opts.Client, bucket: opts.Bucket, prefix: prefix}, nil
}

// ListReleases 列出前缀下的全部对象，以第一级目录作为 release 标签。
func (o *Origin) ListReleases(ctx context.Context) ([]origin.Release, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
	}
	if o.prefix != "" {
		input.Prefix = aws.String(o.prefix)
	}

	byTag := map[string]*origin.Release{}
	var order []string

	paginator := awss3.NewListObjectsV2Paginator(o.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, o.prefix)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			tag, filename, ok := o.splitKey(key)
			if !ok {
				continue
			}
			release := byTag[tag]
			if release == nil {
				release = &origin.Release{
					Tag:        tag,
					Name:       tag,
					Prerelease: strings.Contains(tag, "-"),
				}
				byTag[tag] = release
				order = append(order, tag)
			}
			modified := aws.ToTime(object.LastModified)
			if modified.After(release.PublishedAt) {
				release.PublishedAt = modified
			}
			release.Assets = append(release.Assets, origin.AssetRef{
				ID:          assetID(o.bucket, key, aws.ToString(object.ETag)),
				Filename:    filename,
				Size:        aws.ToInt64(object.Size),
				ContentType: contentTypeFor(filename),
				Locator:     key,
			})
		}
	}

	releases := make([]origin.Release, 0, len(order))
	for _, tag := range order {
		releases = append(releases, *byTag[tag])
	}
	origin.SortReleases(releases)
	return releases, nil
}

// GetAssetStream 读取对象内容。
func (o *Origin) GetAssetStream(ctx context.Context, asset origin.AssetRef) (io.ReadCloser, error) {
	if asset.Locator == "" {
		return nil, fmt.Errorf("%w: asset %s has no locator", origin.ErrNotFound, asset.ID)
	}
	out, err := o.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(asset.Locator),
	})
	if err != nil {
		return nil, mapError(err, asset.Locator)
	}
	return out.Body, nil
}

func (o *Origin) splitKey(key string) (tag, filename string, ok bool) {
	rel, found := strings.CutPrefix(key, o.prefix)
	if !found {
		return "", "", false
	}
	tag, filename, found = strings.Cut(rel, "/")
	if !found || tag == "" || filename == "" || strings.Contains(filename, "/") {
		return "", "", false
	}
	return tag, filename, true
}

// assetID 将 ETag 纳入 key，对象被覆盖后不会命中旧的缓存字节。
func assetID(bucket, key, etag string) string {
	sum := sha256.Sum256([]byte(bucket + "/" + key + "@" + strings.Trim(etag, `"`)))
	return IDPrefix + hex.EncodeToString(sum[:])[:32]
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func mapError(err error, subject string) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", origin.ErrNotFound, subject)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: bucket missing: %w", origin.ErrOriginUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", origin.ErrOriginUnavailable, err)
}

var _ origin.Origin = (*Origin)(nil)
