package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLServesCachedValueWithinTTL(t *testing.T) {
	mock := clock.NewMock()
	var calls int32
	c := NewTTL(30*time.Minute, func(context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}, WithClock[int](mock))

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	mock.Add(29 * time.Minute)
	v, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	mock.Add(2 * time.Minute)
	v, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v, "expired value must be refetched")
	assert.Equal(t, int64(2), c.Fetches())
}

func TestTTLCoalescesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	c := NewTTL(time.Minute, func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "markets", nil
	})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background())
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "markets", r)
	}
}

func TestTTLDoesNotCacheFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls int32
	c := NewTTL(time.Minute, func(context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 0, boom
		}
		return 42, nil
	})

	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, boom)

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTTLCallerCancellationDoesNotAbortFetch(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	c := NewTTL(time.Minute, func(ctx context.Context) (int, error) {
		defer close(done)
		<-release
		return 7, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		errCh <- err
	}()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	<-done

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int64(1), c.Fetches())
}
