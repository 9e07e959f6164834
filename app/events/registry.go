// Package events provides a small observer registry used by the settings
// store, the condition monitor, the poller and the notification center.
package events

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Handler receives published values. A returned error is collected but does
// not stop delivery to the remaining subscribers.
type Handler[T any] func(T) error

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Registry fans values out to subscribers in registration order.
type Registry[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Subscribe registers handler and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (r *Registry[T]) Subscribe(handler Handler[T]) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription[T]{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers value to every subscriber. Handlers run outside the lock so
// they may subscribe or unsubscribe themselves.
func (r *Registry[T]) Publish(value T) error {
	r.mu.RLock()
	subs := make([]subscription[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, deliver(sub, value))
	}
	return errs
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func deliver[T any](sub subscription[T], value T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber %d panicked: %v", sub.id, rec)
		}
	}()

	if err := sub.handler(value); err != nil {
		return fmt.Errorf("subscriber %d: %w", sub.id, err)
	}
	return nil
}
