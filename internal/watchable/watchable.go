// Package watchable provides a variable that tells interested parties when
// it changes.
package watchable

import (
	"context"
	"sync"
)

// Value holds a T and notifies subscribers on every change.
//
// Subscribers run synchronously inside Set and Apply, one change at a time,
// so they observe changes in order. A subscriber must not call Set or Apply
// on the same Value.
//
// Values of map or slice type must be treated as immutable once stored:
// Apply receives the current value and returns a replacement.
type Value[T any] struct {
	notify sync.Mutex // serializes change notification

	mu      sync.Mutex
	v       T
	changed chan struct{}
	subs    map[uint64]func(T)
	nextSub uint64
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{
		v:       initial,
		changed: make(chan struct{}),
		subs:    make(map[uint64]func(T)),
	}
}

// Get returns the current value.
func (w *Value[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.v
}

// Set replaces the value and notifies subscribers.
func (w *Value[T]) Set(v T) {
	w.Apply(func(T) T { return v })
}

// Apply replaces the value with fn(current) and notifies subscribers.
func (w *Value[T]) Apply(fn func(T) T) {
	w.notify.Lock()
	defer w.notify.Unlock()

	w.mu.Lock()
	w.v = fn(w.v)
	v := w.v
	ch := w.changed
	w.changed = make(chan struct{})
	subs := make([]func(T), 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	close(ch)
	for _, s := range subs {
		s(v)
	}
}

// Subscribe calls fn after every change until the returned function is
// called.
func (w *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// Changed returns a channel closed at the next change.
func (w *Value[T]) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}

// Wait blocks until pred holds for the current value, then returns that
// value. It returns ctx.Err() if ctx is done first.
func (w *Value[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		w.mu.Lock()
		v, ch := w.v, w.changed
		w.mu.Unlock()
		if pred(v) {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
