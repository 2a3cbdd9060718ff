package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned to the caller holding a lock that outlived its lock timeout.
var ErrLockTimeout = errors.New("resolution lock held past its timeout")

type flightState int

const (
	flightRunning flightState = iota
	flightDone
	flightReleased
)

// flight is one in-flight operation under a key. Fields other than done are written once,
// before done is closed.
type flight[T any] struct {
	done  chan struct{}
	state flightState
	val   T
	err   error
}

// Coordinator runs at most one operation per key. Callers arriving while an operation is in
// flight join it instead of starting a duplicate.
type Coordinator[T any] struct {
	mu      sync.Mutex
	flights map[string]*flight[T]
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator[T any]() *Coordinator[T] {
	return &Coordinator[T]{flights: make(map[string]*flight[T])}
}

// Do runs op under key, or joins the operation already running under key.
//
// The leader gets op's result with joined false. If op is still running after lockTimeout the
// key is force-released, the leader gets ErrLockTimeout and op's eventual result is dropped.
// A joiner gets the leader's result with joined true; if joinTimeout elapses, ctx ends, or the
// lock is force-released first, it gets the zero value and a nil error.
func (c *Coordinator[T]) Do(ctx context.Context, key string, op func(context.Context) (T, error), lockTimeout, joinTimeout time.Duration) (val T, joined bool, err error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		v, err := c.join(ctx, f, joinTimeout)
		return v, true, err
	}
	f := &flight[T]{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	type outcome struct {
		val T
		err error
	}
	result := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("resolution panicked: %v", r)
			}
			result <- o
		}()
		o.val, o.err = op(ctx)
	}()

	timer := time.NewTimer(lockTimeout)
	defer timer.Stop()
	select {
	case o := <-result:
		c.finish(key, f, flightDone, o.val, o.err)
		return o.val, false, o.err
	case <-timer.C:
		var zero T
		c.finish(key, f, flightReleased, zero, nil)
		return zero, false, ErrLockTimeout
	}
}

func (c *Coordinator[T]) join(ctx context.Context, f *flight[T], joinTimeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case <-f.done:
		if f.state == flightReleased {
			return zero, nil
		}
		return f.val, f.err
	case <-timer.C:
		return zero, nil
	case <-ctx.Done():
		return zero, nil
	}
}

func (c *Coordinator[T]) finish(key string, f *flight[T], state flightState, val T, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.state = state
	f.val = val
	f.err = err
	close(f.done)
}

// InFlight reports whether an operation is currently running under key.
func (c *Coordinator[T]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key]
	return ok
}
