package compression

import (
	"io"
	"reflect"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// SizedThreadPool is a worker pool that knows its maximum concurrency.
type SizedThreadPool interface {
	MaxThreads() int
}

type concWorkerPool struct {
	pool *pool.Pool
}

func (worker concWorkerPool) MaxThreads() int {
	return worker.pool.MaxGoroutines()
}

// WorkerPool exposes the goroutine limit of a conc pool as a SizedThreadPool.
func WorkerPool(p *pool.Pool) SizedThreadPool {
	return concWorkerPool{pool: p}
}

// Container holds the components shared by everything it owns, at most one
// per lookup type when installed through ensureBean.
type Container struct {
	mutex sync.Mutex
	beans []any
}

func NewContainer(beans ...any) *Container {
	container := &Container{}
	for _, bean := range beans {
		container.AddBean(bean)
	}
	return container
}

// AddBean registers bean unless the very same instance is already present.
func (container *Container) AddBean(bean any) bool {
	if bean == nil {
		return false
	}
	container.mutex.Lock()
	defer container.mutex.Unlock()
	for _, existing := range container.beans {
		if sameBean(existing, bean) {
			return false
		}
	}
	container.beans = append(container.beans, bean)
	return true
}

func (container *Container) Beans() []any {
	container.mutex.Lock()
	defer container.mutex.Unlock()
	beans := make([]any, len(container.beans))
	copy(beans, container.beans)
	return beans
}

// Close closes every bean implementing io.Closer, newest first.
func (container *Container) Close() error {
	container.mutex.Lock()
	beans := container.beans
	container.beans = nil
	container.mutex.Unlock()

	var err error
	for i := len(beans) - 1; i >= 0; i-- {
		if closer, ok := beans[i].(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}

// Bean returns the first registered bean assignable to T.
func Bean[T any](container *Container) (T, bool) {
	container.mutex.Lock()
	defer container.mutex.Unlock()
	return beanLocked[T](container)
}

func beanLocked[T any](container *Container) (T, bool) {
	for _, bean := range container.beans {
		if typed, ok := bean.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// ensureBean looks up a T or builds and installs one under the container
// lock, so concurrent first callers all get the same instance.
func ensureBean[T any](container *Container, create func(capacity int) T) T {
	container.mutex.Lock()
	defer container.mutex.Unlock()

	if bean, ok := beanLocked[T](container); ok {
		return bean
	}

	capacity := DefaultCapacity
	if threadPool, ok := beanLocked[SizedThreadPool](container); ok && threadPool.MaxThreads() > 0 {
		capacity = threadPool.MaxThreads()
	}

	bean := create(capacity)
	container.beans = append(container.beans, bean)
	return bean
}

// sameBean reports identity for reference kinds and equality for comparable
// values. Values holding uncomparable data never match.
func sameBean(a, b any) bool {
	left, right := reflect.ValueOf(a), reflect.ValueOf(b)
	if left.Type() != right.Type() {
		return false
	}
	switch left.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return left.UnsafePointer() == right.UnsafePointer()
	}
	if !left.Comparable() || !right.Comparable() {
		return false
	}
	return a == b
}
