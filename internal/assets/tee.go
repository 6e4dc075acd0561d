package assets

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sourcegraph/conc"

	"github.com/asset-hub/asset-hub/internal/origin"
)

var errCacheDetached = errors.New("cache branch detached")

// fork 将源站流同时写入 sink 与缓存。缓存分支失败只会使其脱离，sink 失败、
// 源站读取失败或字节数与声明不符时两个分支同时终止，缓存中不会留下不完整的数据。
// 返回写入 sink 的字节数、缓存分支的错误与交付错误，两个分支都结束后才返回。
func (s *Server) fork(ctx context.Context, asset origin.AssetRef, src io.Reader, sink io.Writer) (int64, error, error) {
	cacheCtx, cancelCache := context.WithCancel(ctx)
	defer cancelCache()

	pr, pw := io.Pipe()
	branch := &cacheBranch{w: pw}

	var (
		wg       conc.WaitGroup
		cacheErr error
	)
	wg.Go(func() {
		_, cacheErr = s.cache.Set(cacheCtx, asset.ID, pr)
		pr.CloseWithError(errCacheDetached)
	})

	written, err := s.pump(ctx, asset, src, branch, sink)
	if err != nil {
		cancelCache()
		pw.CloseWithError(err)
	} else {
		pw.Close()
	}
	wg.Wait()

	return written, cacheErr, err
}

func (s *Server) pump(ctx context.Context, asset origin.AssetRef, src io.Reader, branch *cacheBranch, sink io.Writer) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, sinkAborted(err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			branch.Write(buf[:n])
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
			if !errors.Is(readErr, io.EOF) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return written, sinkAborted(ctxErr)
				}
				return written, fmt.Errorf("%w: read %s: %w", origin.ErrOriginUnavailable, asset.ID, readErr)
			}
			break
		}
	}

	if asset.Size > 0 && written != asset.Size {
		return written, fmt.Errorf("%w: %s delivered %d of %d bytes", origin.ErrOriginUnavailable, asset.ID, written, asset.Size)
	}
	return written, nil
}

// cacheBranch 把写入转发到缓存管道；首次失败后静默丢弃后续数据，不影响 sink。
type cacheBranch struct {
	w   *io.PipeWriter
	err error
}

func (b *cacheBranch) Write(p []byte) (int, error) {
	if b.err != nil {
		return len(p), nil
	}
	if _, err := b.w.Write(p); err != nil {
		b.err = err
	}
	return len(p), nil
}
