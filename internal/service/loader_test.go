package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, ownerScope, query string, k int) domain.RetrievalResult {
	return nil
}

func (stubRetriever) Available() bool { return true }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRetrieverLoader_MemoizesSuccess(t *testing.T) {
	var builds, closes int32
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		atomic.AddInt32(&builds, 1)
		return stubRetriever{}, func() { atomic.AddInt32(&closes, 1) }, nil
	}, DefaultLoaderConfig())

	for i := 0; i < 5; i++ {
		r := loader.Get(context.Background())
		assert.True(t, r.Available())
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	assert.Equal(t, 1, loader.Attempts())
	assert.NoError(t, loader.Err())
	assert.Equal(t, LoaderReady, loader.Status())

	loader.Close()
	loader.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))
}

func TestRetrieverLoader_NothingBuiltBeforeGet(t *testing.T) {
	var builds int32
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		atomic.AddInt32(&builds, 1)
		return stubRetriever{}, nil, nil
	}, DefaultLoaderConfig())

	assert.Equal(t, int32(0), atomic.LoadInt32(&builds))
	assert.Equal(t, 0, loader.Attempts())
	assert.Equal(t, LoaderPending, loader.Status())
	loader.Close()
}

func TestRetrieverLoader_ConcurrentGetBuildsOnce(t *testing.T) {
	var builds int32
	release := make(chan struct{})
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		atomic.AddInt32(&builds, 1)
		<-release
		return stubRetriever{}, nil, nil
	}, DefaultLoaderConfig())

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- loader.Get(context.Background()).Available()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for available := range results {
		assert.True(t, available)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestRetrieverLoader_SingleAttemptSharedByConcurrentCallers(t *testing.T) {
	var builds int32
	started := make(chan struct{})
	release := make(chan struct{})
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		atomic.AddInt32(&builds, 1)
		close(started)
		<-release
		return stubRetriever{}, nil, nil
	}, LoaderConfig{InitTimeout: time.Second, MaxAttempts: 1})

	first := make(chan bool, 1)
	go func() {
		first <- loader.Get(context.Background()).Available()
	}()
	<-started
	assert.Equal(t, LoaderPending, loader.Status())

	var wg sync.WaitGroup
	late := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			late <- loader.Get(context.Background()).Available()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(late)

	assert.True(t, <-first)
	for available := range late {
		assert.True(t, available, "callers arriving during the only build should share its result")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	assert.Equal(t, LoaderReady, loader.Status())
}

func TestRetrieverLoader_FailureMemoizedUntilCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var builds int32
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		if atomic.AddInt32(&builds, 1) == 1 {
			return nil, nil, errors.New("DATABASE_URL unreachable")
		}
		return stubRetriever{}, nil, nil
	}, LoaderConfig{InitTimeout: time.Second, RetryCooldown: time.Minute, MaxAttempts: 3})
	loader.now = clock.Now

	assert.False(t, loader.Get(context.Background()).Available())
	require.Error(t, loader.Err())
	assert.Equal(t, LoaderDegraded, loader.Status())

	clock.Advance(30 * time.Second)
	assert.False(t, loader.Get(context.Background()).Available())
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	clock.Advance(31 * time.Second)
	assert.True(t, loader.Get(context.Background()).Available())
	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
	assert.NoError(t, loader.Err())
}

func TestRetrieverLoader_MaxAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var builds int32
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		atomic.AddInt32(&builds, 1)
		return nil, nil, errors.New("embedding key missing")
	}, LoaderConfig{InitTimeout: time.Second, RetryCooldown: time.Second, MaxAttempts: 2})
	loader.now = clock.Now

	for i := 0; i < 5; i++ {
		assert.False(t, loader.Get(context.Background()).Available())
		clock.Advance(2 * time.Second)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
	assert.Equal(t, 2, loader.Attempts())
}

func TestRetrieverLoader_ZeroMaxAttemptsMeansOne(t *testing.T) {
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		return nil, nil, errors.New("boom")
	}, LoaderConfig{RetryCooldown: 0})

	loader.Get(context.Background())
	loader.Get(context.Background())

	assert.Equal(t, 1, loader.Attempts())
}

func TestRetrieverLoader_CallerDeadlineReturnsDegraded(t *testing.T) {
	release := make(chan struct{})
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		<-release
		return stubRetriever{}, nil, nil
	}, DefaultLoaderConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := loader.Get(ctx)
	assert.False(t, r.Available())
	assert.Less(t, time.Since(start), time.Second)

	// The build keeps going and later callers get its result.
	close(release)
	assert.Eventually(t, func() bool {
		return loader.Get(context.Background()).Available()
	}, time.Second, 10*time.Millisecond)
}

func TestRetrieverLoader_BuildTimeout(t *testing.T) {
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}, LoaderConfig{InitTimeout: 20 * time.Millisecond, MaxAttempts: 1})

	assert.False(t, loader.Get(context.Background()).Available())
	assert.ErrorIs(t, loader.Err(), context.DeadlineExceeded)
}

func TestRetrieverLoader_BuildPanic(t *testing.T) {
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		panic("bad config")
	}, DefaultLoaderConfig())

	assert.NotPanics(t, func() {
		assert.False(t, loader.Get(context.Background()).Available())
	})
	require.Error(t, loader.Err())
	assert.Contains(t, loader.Err().Error(), "bad config")
}

func TestRetrieverLoader_NilRetrieverIsFailure(t *testing.T) {
	loader := NewRetrieverLoader(func(ctx context.Context) (Retriever, func(), error) {
		return nil, nil, nil
	}, DefaultLoaderConfig())

	assert.False(t, loader.Get(context.Background()).Available())
	assert.Error(t, loader.Err())
}
