// Package store holds what the SignalStore adapters share.
package store

import (
	"context"
	"sync"
)

// Feed hands the latest value of one watched key to a callback on its own goroutine.
// Values pushed while the callback runs are coalesced; only the newest is delivered.
// Every value is a complete state, so skipping intermediate ones loses nothing.
type Feed[T any] struct {
	fn func(T)

	mu      sync.Mutex
	latest  T
	pending bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed starts the delivery goroutine. It runs until Stop.
func NewFeed[T any](fn func(T)) *Feed[T] {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed[T]{
		fn:     fn,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.loop()
	return f
}

// Push replaces the pending value and wakes the delivery goroutine.
func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	f.latest = v
	f.pending = true
	f.mu.Unlock()
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Stop ends delivery. It does not wait, so it is safe to call from the callback.
func (f *Feed[T]) Stop() { f.cancel() }

// Done is closed once the delivery goroutine has returned.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

func (f *Feed[T]) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.kick:
		}
		f.mu.Lock()
		v, ok := f.latest, f.pending
		f.pending = false
		var zero T
		f.latest = zero
		f.mu.Unlock()
		if ok && f.ctx.Err() == nil {
			f.fn(v)
		}
	}
}

// StopOnDone stops f when ctx is done and returns the matching Unsubscribe-style release.
func StopOnDone[T any](ctx context.Context, f *Feed[T], release func()) func() {
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			release()
			f.Stop()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}
}
