package wsmux

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrBlockingTimeout = errors.New("blocking wait timeout")

	errSucceeded = errors.New("succeeded")
)

// FutureCallback lets a goroutine block on an operation that reports its
// outcome through a Callback. The first completion wins, later ones are ignored.
//
// A timed out Block does not cancel the operation: it may still complete, and
// its frame may still reach the peer, after the caller has seen the timeout.
type FutureCallback struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewFutureCallback() *FutureCallback {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &FutureCallback{ctx: ctx, cancel: cancel}
}

func (future *FutureCallback) Succeeded() {
	future.cancel(errSucceeded)
}

func (future *FutureCallback) Failed(err error) {
	if err == nil {
		err = errors.New("failed without cause")
	}
	future.cancel(err)
}

func (future *FutureCallback) Done() <-chan struct{} {
	return future.ctx.Done()
}

func (future *FutureCallback) IsDone() bool {
	select {
	case <-future.ctx.Done():
		return true
	default:
		return false
	}
}

// Err returns the failure cause once completed, nil while pending or on success.
func (future *FutureCallback) Err() error {
	if !future.IsDone() {
		return nil
	}
	return future.outcome()
}

func (future *FutureCallback) outcome() error {
	cause := context.Cause(future.ctx)
	if cause == errSucceeded {
		return nil
	}
	return cause
}

// Block waits for completion. A timeout <= 0 waits forever; with no idle
// timeout configured and a peer that never answers, that is a hang.
func (future *FutureCallback) Block(timeout time.Duration) error {
	start := time.Now()
	defer func() {
		blockingWaitDuration.Observe(time.Since(start).Seconds())
	}()

	if timeout <= 0 {
		<-future.ctx.Done()
		return future.outcome()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-future.ctx.Done():
		return future.outcome()
	case <-timer.C:
		// completion may have raced the timer
		if future.IsDone() {
			return future.outcome()
		}
		blockingTimeoutsTotal.Inc()
		return errors.Wrapf(ErrBlockingTimeout, "no completion within %s", timeout)
	}
}
