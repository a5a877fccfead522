package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis/web-migrate/internal/observability"
)

type fakeResource struct {
	id        int64
	unhealthy atomic.Bool
	closed    atomic.Bool
}

type fakeFactory struct {
	nextID  atomic.Int64
	failing atomic.Bool
	created atomic.Int64
}

func (f *fakeFactory) make(context.Context) (*fakeResource, error) {
	if f.failing.Load() {
		return nil, errors.New("backend unavailable")
	}
	r := &fakeResource{id: f.nextID.Add(1)}
	f.created.Add(1)
	return r, nil
}

func (f *fakeFactory) healthCheck(r *fakeResource) bool {
	return !r.unhealthy.Load()
}

func (f *fakeFactory) cleanup(r *fakeResource) {
	r.closed.Store(true)
}

func newTestPool(t *testing.T, cfg Config[*fakeResource]) (*Pool[*fakeResource], *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	if cfg.Factory == nil {
		cfg.Factory = f.make
	}
	if cfg.HealthCheck == nil {
		cfg.HealthCheck = f.healthCheck
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = f.cleanup
	}
	p := New(cfg, observability.NewNopLogger(), nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Close)
	return p, f
}

func TestPoolInitializePrefillsMinSize(t *testing.T) {
	p, f := newTestPool(t, Config[*fakeResource]{MinSize: 2, MaxSize: 5})

	stats := p.Stats()
	assert.Equal(t, StateActive, stats.State)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, int64(2), f.created.Load())
}

func TestPoolInitializeSurvivesFactoryFailures(t *testing.T) {
	f := &fakeFactory{}
	f.failing.Store(true)
	p := New(Config[*fakeResource]{
		MinSize: 2, MaxSize: 5,
		Factory:             f.make,
		HealthCheckInterval: time.Hour,
	}, observability.NewNopLogger(), nil)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	stats := p.Stats()
	assert.Equal(t, StateActive, stats.State)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(2), stats.TotalErrors)
}

func TestPoolAcquireReusesIdleResource(t *testing.T) {
	p, f := newTestPool(t, Config[*fakeResource]{MinSize: 0, MaxSize: 2})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := lease.Resource().id
	lease.Release()

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, first, lease.Resource().id)
	assert.Equal(t, int64(1), f.created.Load())
}

func TestPoolAcquireTimesOutAtCapacity(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{MinSize: 0, MaxSize: 1})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	_, err = p.AcquireWithTimeout(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolTimeout)
	assert.GreaterOrEqual(t, p.Stats().TotalErrors, int64(1))
}

func TestPoolMaxSizeZeroFailsImmediately(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{MinSize: 0, MaxSize: 0})

	start := time.Now()
	_, err := p.AcquireWithTimeout(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrPoolTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoolAcquireFIFOOrdering(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{MinSize: 1, MaxSize: 1})

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, 2)
	var ready sync.WaitGroup

	ready.Add(1)
	go func() {
		ready.Done()
		lease, err := p.AcquireWithTimeout(context.Background(), 5*time.Second)
		if err == nil {
			order <- 1
			time.Sleep(10 * time.Millisecond)
			lease.Release()
		}
	}()
	ready.Wait()
	require.Eventually(t, func() bool { return p.Stats().PendingWaiters == 1 },
		2*time.Second, 5*time.Millisecond)

	go func() {
		lease, err := p.AcquireWithTimeout(context.Background(), 5*time.Second)
		if err == nil {
			order <- 2
			lease.Release()
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingWaiters == 2 },
		2*time.Second, 5*time.Millisecond)

	holder.Release()

	first := <-order
	second := <-order
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestPoolUnhealthyReleaseDestroysAndReplenishes(t *testing.T) {
	p, f := newTestPool(t, Config[*fakeResource]{
		MinSize: 1, MaxSize: 2,
		HealthCheckInterval: time.Hour, // keep the loop out of the way
	})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	broken := lease.Resource()
	broken.unhealthy.Store(true)
	lease.Release()

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.TotalDestroyed == 1 && s.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, broken.closed.Load())
	assert.Equal(t, int64(2), f.created.Load())
}

func TestPoolLeaseDestroy(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{
		MinSize: 1, MaxSize: 2,
		HealthCheckInterval: time.Hour,
	})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res := lease.Resource()
	lease.Destroy()
	lease.Destroy() // idempotent

	require.Eventually(t, func() bool {
		return p.Stats().TotalDestroyed == 1 && p.Stats().Total == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, res.closed.Load())
}

func TestPoolHealthLoopReplacesFailingIdle(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{
		MinSize: 1, MaxSize: 2,
		HealthCheckInterval: 25 * time.Millisecond,
	})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res := lease.Resource()
	lease.Release()

	res.unhealthy.Store(true)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.TotalDestroyed >= 1 && s.Total >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, res.closed.Load())
}

func TestPoolEvictsIdleBeyondMinSize(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{
		MinSize: 1, MaxSize: 3,
		MaxIdleTime:         50 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	})

	// grow the pool to 3 then return everything
	var leases []*Lease[*fakeResource]
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, lease)
	}
	for _, lease := range leases {
		lease.Release()
	}
	require.Equal(t, 3, p.Stats().Total)

	require.Eventually(t, func() bool {
		return p.Stats().Total == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPoolAcquireSurfacesFactoryError(t *testing.T) {
	p, f := newTestPool(t, Config[*fakeResource]{MinSize: 0, MaxSize: 2})

	f.failing.Store(true)
	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
	assert.Equal(t, int64(1), p.Stats().TotalErrors)
}

func TestPoolContextCancelWhileWaiting(t *testing.T) {
	p, _ := newTestPool(t, Config[*fakeResource]{MinSize: 0, MaxSize: 1})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.AcquireWithTimeout(ctx, time.Hour)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingWaiters == 1 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe cancellation")
	}

	assert.Equal(t, 0, p.Stats().PendingWaiters)
}

func TestPoolCloseFailsWaitersAndDrains(t *testing.T) {
	f := &fakeFactory{}
	p := New(Config[*fakeResource]{
		MinSize: 0, MaxSize: 1,
		Factory: f.make,
		Cleanup: f.cleanup,
	}, observability.NewNopLogger(), nil)
	require.NoError(t, p.Initialize(context.Background()))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.AcquireWithTimeout(context.Background(), time.Hour)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().PendingWaiters == 1 },
		2*time.Second, 5*time.Millisecond)

	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe close")
	}

	assert.Equal(t, StateDraining, p.State())
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// returning the last lease finishes the drain
	lease.Release()
	assert.Equal(t, StateClosed, p.State())
	assert.True(t, lease.Resource().closed.Load())
}

func TestPoolBoundsHoldUnderConcurrency(t *testing.T) {
	const maxSize = 4
	p, f := newTestPool(t, Config[*fakeResource]{MinSize: 2, MaxSize: maxSize})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				lease, err := p.AcquireWithTimeout(context.Background(), 5*time.Second)
				if err != nil {
					continue
				}
				lease.Release()
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Total, maxSize)
	assert.GreaterOrEqual(t, stats.Total, 2)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, stats.Total, stats.Idle)
	assert.Equal(t, stats.TotalCreated-stats.TotalDestroyed, int64(stats.Total))
	assert.LessOrEqual(t, f.created.Load(), int64(maxSize)+stats.TotalDestroyed)
}
