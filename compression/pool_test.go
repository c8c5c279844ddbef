package compression

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

type counter struct {
	id     int
	resets int
	ended  bool
}

type countingLifecycle struct {
	mutex sync.Mutex
	next  int
	ended []*counter
}

func (lifecycle *countingLifecycle) New() *counter {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	lifecycle.next++
	return &counter{id: lifecycle.next}
}

func (lifecycle *countingLifecycle) Reset(resource *counter) {
	resource.resets++
}

func (lifecycle *countingLifecycle) End(resource *counter) {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	resource.ended = true
	lifecycle.ended = append(lifecycle.ended, resource)
}

func (lifecycle *countingLifecycle) endedCount() int {
	lifecycle.mutex.Lock()
	defer lifecycle.mutex.Unlock()
	return len(lifecycle.ended)
}

func TestPool_Bounded(t *testing.T) {
	lifecycle := &countingLifecycle{}
	pool := NewPool[*counter](1, lifecycle, WithName("bounded"), WithLogger(zaptest.NewLogger(t)))

	a, err := pool.Acquire()
	require.NoError(t, err)
	b, err := pool.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	pool.Release(a)
	pool.Release(b)

	assert.Equal(t, 1, a.resets)
	assert.False(t, a.ended)
	assert.True(t, b.ended, "release beyond capacity disposes the resource")
	assert.Equal(t, Stats{Capacity: 1, Idle: 1, Leased: 0, Created: 2, Disposed: 1}, pool.Stats())

	c, err := pool.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, c)
	assert.Equal(t, 1, pool.Stats().Leased)
}

func TestPool_Unpooled(t *testing.T) {
	lifecycle := &countingLifecycle{}
	pool := NewPool[*counter](0, lifecycle)

	a, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(a)
	assert.True(t, a.ended)
	assert.Equal(t, 0, a.resets)

	b, err := pool.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, int64(2), pool.Stats().Created)
	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestPool_Unbounded(t *testing.T) {
	lifecycle := &countingLifecycle{}
	pool := NewPool[*counter](-1, lifecycle)

	var leased []*counter
	for i := 0; i < 100; i++ {
		resource, err := pool.Acquire()
		require.NoError(t, err)
		leased = append(leased, resource)
	}
	for _, resource := range leased {
		pool.Release(resource)
	}

	stats := pool.Stats()
	assert.Equal(t, 100, stats.Idle)
	assert.Equal(t, int64(0), stats.Disposed)
	assert.Equal(t, 0, lifecycle.endedCount())
}

func TestPool_Close(t *testing.T) {
	lifecycle := &countingLifecycle{}
	pool := NewPool[*counter](4, lifecycle)

	idle, err := pool.Acquire()
	require.NoError(t, err)
	leased, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(idle)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
	assert.True(t, idle.ended)
	assert.False(t, leased.ended)

	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolClosed)

	pool.Release(leased)
	assert.True(t, leased.ended, "resources released after close are disposed")
	assert.Equal(t, 2, lifecycle.endedCount())
}

func TestPool_Concurrent(t *testing.T) {
	const capacity = 8
	lifecycle := &countingLifecycle{}
	pool := NewPool[*counter](capacity, lifecycle)

	var group errgroup.Group
	for i := 0; i < 64; i++ {
		group.Go(func() error {
			for j := 0; j < 100; j++ {
				resource, err := pool.Acquire()
				if err != nil {
					return err
				}
				pool.Release(resource)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	stats := pool.Stats()
	assert.LessOrEqual(t, stats.Idle, capacity)
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, stats.Created, stats.Disposed+int64(stats.Idle))
}
