// Package memo caches the results of origin metadata calls for a bounded time
// window. Results are keyed by the memoized function, the current release epoch
// and floor(now/ttl); bumping the epoch via OnRelease makes every earlier result
// unreachable, and stale keys age out of a bounded LRU.
package memo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

const defaultCapacity = 256

// Option 调整 Memoizer 的可选行为。
type Option func(*Memoizer)

// WithClock 注入时钟，测试中用于精确控制时间窗口。
func WithClock(now func() time.Time) Option {
	return func(m *Memoizer) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCapacity 设置结果缓存的最大条目数。
func WithCapacity(n int) Option {
	return func(m *Memoizer) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// Memoizer 持有 epoch 计数器与结果缓存，每个 Hub 各自一份。
type Memoizer struct {
	ttl      time.Duration
	now      func() time.Time
	capacity int

	epoch  atomic.Uint64
	nextID atomic.Uint64

	results *lru.Cache
	group   singleflight.Group
}

type resultKey struct {
	fn     uint64
	epoch  uint64
	window int64
}

func (k resultKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.fn, k.epoch, k.window)
}

// New 创建 Memoizer；ttl 决定单个时间窗口的长度。
func New(ttl time.Duration, opts ...Option) (*Memoizer, error) {
	if ttl <= 0 {
		return nil, errors.New("memo ttl must be positive")
	}
	m := &Memoizer{
		ttl:      ttl,
		now:      time.Now,
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}

	results, err := lru.New(m.capacity)
	if err != nil {
		return nil, err
	}
	m.results = results
	return m, nil
}

// OnRelease 在观察到新的发布事件时调用，返回递增后的 epoch。
func (m *Memoizer) OnRelease() uint64 {
	return m.epoch.Add(1)
}

// Epoch 返回当前 epoch。
func (m *Memoizer) Epoch() uint64 {
	return m.epoch.Load()
}

// TTL 返回时间窗口长度。
func (m *Memoizer) TTL() time.Duration {
	return m.ttl
}

func (m *Memoizer) keyFor(fnID uint64) resultKey {
	return resultKey{
		fn:     fnID,
		epoch:  m.epoch.Load(),
		window: m.now().UnixNano() / int64(m.ttl),
	}
}

// Memoize 包装 fn：同一 epoch 与时间窗口内只会成功执行一次，并发调用者
// 共享同一次执行。失败结果不会被缓存。每个调用者可以因自身 ctx 结束而
// 提前返回，共享调用继续执行并在成功后写入缓存。
func Memoize[T any](m *Memoizer, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	fnID := m.nextID.Add(1)

	return func(ctx context.Context) (T, error) {
		var zero T
		key := m.keyFor(fnID)
		if cached, ok := m.results.Get(key); ok {
			value, _ := cached.(T)
			return value, nil
		}

		ch := m.group.DoChan(key.String(), func() (interface{}, error) {
			if cached, ok := m.results.Get(key); ok {
				return cached, nil
			}
			value, err := fn(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			m.results.Add(key, value)
			return value, nil
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return zero, res.Err
			}
			value, _ := res.Val.(T)
			return value, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
