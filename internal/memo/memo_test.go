package memo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCounter(calls *atomic.Int32) func(context.Context) (int32, error) {
	return func(context.Context) (int32, error) {
		return calls.Add(1), nil
	}
}

func TestMemoizeCachesWithinWindow(t *testing.T) {
	clock := newFakeClock()
	m, err := New(time.Minute, WithClock(clock.Now))
	require.NoError(t, err)

	var calls atomic.Int32
	get := Memoize(m, newCounter(&calls))
	ctx := context.Background()

	first, err := get(ctx)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	second, err := get(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, calls.Load())
}

func TestMemoizeRecomputesInNextWindow(t *testing.T) {
	clock := newFakeClock()
	m, err := New(time.Minute, WithClock(clock.Now))
	require.NoError(t, err)

	var calls atomic.Int32
	get := Memoize(m, newCounter(&calls))

	_, err = get(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	value, err := get(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, value)
}

func TestOnReleaseDefeatsStaleResult(t *testing.T) {
	clock := newFakeClock()
	m, err := New(time.Hour, WithClock(clock.Now))
	require.NoError(t, err)

	releases := []string{"v1.0.0"}
	var mu sync.Mutex
	list := Memoize(m, func(context.Context) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), releases...), nil
	})

	got, err := list(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v1.0.0"}, got)

	mu.Lock()
	releases = append(releases, "v1.1.0")
	mu.Unlock()

	got, err = list(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v1.0.0"}, got, "same epoch and window must serve the memoized value")

	require.EqualValues(t, 1, m.OnRelease())
	require.EqualValues(t, 1, m.Epoch())

	got, err = list(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v1.0.0", "v1.1.0"}, got)
}

func TestMemoizeDoesNotCacheFailures(t *testing.T) {
	m, err := New(time.Hour)
	require.NoError(t, err)

	boom := errors.New("origin unavailable")
	var calls atomic.Int32
	get := Memoize(m, func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	})

	_, err = get(context.Background())
	require.ErrorIs(t, err, boom)

	value, err := get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.EqualValues(t, 2, calls.Load())
}

func TestMemoizeJoinsConcurrentCallers(t *testing.T) {
	clock := newFakeClock()
	m, err := New(time.Hour, WithClock(clock.Now))
	require.NoError(t, err)

	var calls atomic.Int32
	unblock := make(chan struct{})
	get := Memoize(m, func(context.Context) (int32, error) {
		<-unblock
		return calls.Add(1), nil
	})

	var g errgroup.Group
	results := make([]int32, 8)
	for i := range results {
		g.Go(func() error {
			value, err := get(context.Background())
			results[i] = value
			return err
		})
	}
	close(unblock)
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, calls.Load())
	for _, value := range results {
		require.EqualValues(t, 1, value)
	}
}

func TestMemoizeCallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	clock := newFakeClock()
	m, err := New(time.Hour, WithClock(clock.Now))
	require.NoError(t, err)

	var calls atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	get := Memoize(m, func(ctx context.Context) (string, error) {
		calls.Add(1)
		close(started)
		<-unblock
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "releases", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := get(ctx)
		errCh <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(unblock)
	value, err := get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "releases", value)
	require.EqualValues(t, 1, calls.Load())
}

func TestMemoizedFunctionsAreIndependent(t *testing.T) {
	m, err := New(time.Hour)
	require.NoError(t, err)

	a := Memoize(m, func(context.Context) (string, error) { return "a", nil })
	b := Memoize(m, func(context.Context) (string, error) { return "b", nil })

	va, err := a(context.Background())
	require.NoError(t, err)
	vb, err := b(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", va)
	require.Equal(t, "b", vb)
}

func TestNewRejectsNonPositiveTTL(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
