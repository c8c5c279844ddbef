// Package compression pools stream codec handles (inflaters and deflaters)
// that are expensive to build and cheap to reset.
package compression

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultCapacity is used when no worker pool tells how many codecs may be busy at once.
const DefaultCapacity = 1024

var ErrPoolClosed = errors.New("compression pool closed")

// Lifecycle builds, resets and disposes pooled resources. The pool never calls
// two hooks concurrently on the same resource.
type Lifecycle[T any] interface {
	New() T
	Reset(resource T)
	End(resource T)
}

type Stats struct {
	Capacity int
	Idle     int
	Leased   int
	Created  int64
	Disposed int64
}

// Pool keeps up to capacity idle resources. A negative capacity keeps every
// released resource, zero keeps none. Acquire never waits: when nothing is
// idle a new resource is built, and surplus is disposed on Release.
type Pool[T any] struct {
	name      string
	capacity  int
	lifecycle Lifecycle[T]
	logger    *zap.Logger

	mutex    sync.Mutex
	idle     *queue.Queue // T
	leased   int
	created  int64
	disposed int64
	closed   bool
}

type PoolOption func(*poolOptions)

type poolOptions struct {
	name   string
	logger *zap.Logger
}

func WithName(name string) PoolOption {
	return func(options *poolOptions) {
		options.name = name
	}
}

func WithLogger(logger *zap.Logger) PoolOption {
	return func(options *poolOptions) {
		options.logger = logger
	}
}

func NewPool[T any](capacity int, lifecycle Lifecycle[T], opts ...PoolOption) *Pool[T] {
	options := poolOptions{name: "pool", logger: zap.L()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Pool[T]{
		name:      options.name,
		capacity:  capacity,
		lifecycle: lifecycle,
		logger:    options.logger.Named("compression").With(zap.String("pool", options.name)),
		idle:      queue.New(),
	}
}

func (pool *Pool[T]) Capacity() int {
	return pool.capacity
}

func (pool *Pool[T]) Acquire() (T, error) {
	pool.mutex.Lock()
	if pool.closed {
		pool.mutex.Unlock()
		var zero T
		return zero, ErrPoolClosed
	}
	pool.leased++
	if pool.capacity != 0 && pool.idle.Length() > 0 {
		resource := pool.idle.Remove().(T)
		pool.mutex.Unlock()
		poolEventsTotal.WithLabelValues(pool.name, "reused").Inc()
		return resource, nil
	}
	pool.created++
	pool.mutex.Unlock()

	poolEventsTotal.WithLabelValues(pool.name, "created").Inc()
	return pool.lifecycle.New(), nil
}

// Release hands a resource back. It is reset and kept if there is room,
// otherwise disposed.
func (pool *Pool[T]) Release(resource T) {
	pool.mutex.Lock()
	if pool.leased > 0 {
		pool.leased--
	}
	retain := !pool.closed && pool.capacity != 0 &&
		(pool.capacity < 0 || pool.idle.Length() < pool.capacity)
	if !retain {
		pool.disposed++
		pool.mutex.Unlock()
		pool.end(resource)
		return
	}
	pool.mutex.Unlock()

	// reset outside the lock: the resource is still exclusively ours
	pool.lifecycle.Reset(resource)

	pool.mutex.Lock()
	if pool.closed || (pool.capacity > 0 && pool.idle.Length() >= pool.capacity) {
		pool.disposed++
		pool.mutex.Unlock()
		pool.end(resource)
		return
	}
	pool.idle.Add(resource)
	pool.mutex.Unlock()
	poolEventsTotal.WithLabelValues(pool.name, "retained").Inc()
}

// Close disposes every idle resource. Acquire fails afterwards and released
// resources are disposed.
func (pool *Pool[T]) Close() error {
	pool.mutex.Lock()
	if pool.closed {
		pool.mutex.Unlock()
		return nil
	}
	pool.closed = true
	idle := make([]T, 0, pool.idle.Length())
	for pool.idle.Length() > 0 {
		idle = append(idle, pool.idle.Remove().(T))
	}
	pool.disposed += int64(len(idle))
	leased := pool.leased
	pool.mutex.Unlock()

	for _, resource := range idle {
		pool.end(resource)
	}
	pool.logger.Debug("pool closed", zap.Int("disposed", len(idle)), zap.Int("leased", leased))
	return nil
}

func (pool *Pool[T]) Stats() Stats {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return Stats{
		Capacity: pool.capacity,
		Idle:     pool.idle.Length(),
		Leased:   pool.leased,
		Created:  pool.created,
		Disposed: pool.disposed,
	}
}

func (pool *Pool[T]) end(resource T) {
	poolEventsTotal.WithLabelValues(pool.name, "disposed").Inc()
	pool.lifecycle.End(resource)
}
