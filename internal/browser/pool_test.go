package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

type fakePage struct {
	id       string
	resetErr error
	resets   atomic.Int64
	closed   atomic.Bool
}

func (f *fakePage) ID() string { return f.id }

func (f *fakePage) Capture(_ context.Context, _ screenshot.CaptureRequest) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakePage) Reset(_ context.Context) error {
	f.resets.Add(1)
	return f.resetErr
}

func (f *fakePage) Close(_ context.Context) error {
	f.closed.Store(true)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	pages    []*fakePage
	nextErr  error
	resetErr error
}

func (f *fakeBackend) NewPage(_ context.Context) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	page := &fakePage{id: fmt.Sprintf("page-%d", len(f.pages)), resetErr: f.resetErr}
	f.pages = append(f.pages, page)
	return page, nil
}

func (f *fakeBackend) Close(_ context.Context) error { return nil }

func (f *fakeBackend) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

func newTestPool(t *testing.T, backend *fakeBackend, cfg Config) *Pool {
	t.Helper()
	pool, err := NewPool(context.Background(), backend, cfg, zap.NewNop())
	require.NoError(t, err)
	return pool
}

func TestPool_CapacityIsBounded(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 2})
	defer func() { _ = pool.Close(context.Background()) }()

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.Page().ID(), second.Page().ID())

	// Third caller blocks until a release happens.
	acquired := make(chan *Lease, 1)
	go func() {
		lease, acquireErr := pool.Acquire(context.Background())
		require.NoError(t, acquireErr)
		acquired <- lease
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(first)

	select {
	case lease := <-acquired:
		pool.Release(lease)
	case <-time.After(time.Second):
		t.Fatal("third acquire should proceed after a release")
	}
	pool.Release(second)
}

func TestPool_ReleaseResetsPage(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 1})
	defer func() { _ = pool.Close(context.Background()) }()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	page := lease.Page().(*fakePage)
	pool.Release(lease)

	require.Equal(t, int64(1), page.resets.Load())
}

func TestPool_DoubleReleaseIsNoOp(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 1})
	defer func() { _ = pool.Close(context.Background()) }()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(lease)
	pool.Release(lease)

	// Only one page ever exists; a double release must not add a phantom
	// free slot.
	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.Error(t, err)
	pool.Release(first)
}

func TestPool_BrokenPageIsReplaced(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 1})
	defer func() { _ = pool.Close(context.Background()) }()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	broken := lease.Page().(*fakePage)
	lease.MarkBroken()
	pool.Release(lease)

	require.True(t, broken.closed.Load())
	require.Equal(t, 2, backend.created())

	fresh, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, broken.id, fresh.Page().ID())
	pool.Release(fresh)
}

func TestPool_FailedResetReplacesPage(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{resetErr: errors.New("tab crashed")}
	pool := newTestPool(t, backend, Config{Capacity: 1})
	defer func() { _ = pool.Close(context.Background()) }()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	crashed := lease.Page().(*fakePage)
	pool.Release(lease)

	require.True(t, crashed.closed.Load())
	require.Equal(t, 2, backend.created())
}

func TestPool_AcquireTimeout(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 1, AcquireTimeout: 30 * time.Millisecond})
	defer func() { _ = pool.Close(context.Background()) }()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAcquireTimeout)
	pool.Release(lease)
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 1})
	defer func() { _ = pool.Close(context.Background()) }()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	pool.Release(lease)
}

func TestPool_CloseClosesEverything(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	pool := newTestPool(t, backend, Config{Capacity: 2})

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	leasedPage := lease.Page().(*fakePage)

	require.NoError(t, pool.Close(context.Background()))

	for _, page := range backend.pages {
		require.True(t, page.closed.Load(), "page %s should be closed", page.id)
	}
	require.True(t, leasedPage.closed.Load())

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	// Releasing after close must not resurrect the page.
	pool.Release(lease)
}

func TestPool_StartupFailureCleansUp(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{nextErr: errors.New("browser did not start")}
	_, err := NewPool(context.Background(), backend, Config{Capacity: 2}, zap.NewNop())
	require.Error(t, err)
}
