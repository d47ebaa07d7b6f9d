package kv

import (
	"context"
	"sync"
)

// fanOut broadcasts values to a set of listeners using non-blocking sends.
type fanOut[T any] struct {
	m         sync.RWMutex
	listeners map[chan T]struct{}
}

func newFanOut[T any]() *fanOut[T] {
	return &fanOut[T]{
		listeners: make(map[chan T]struct{}),
	}
}

// Listen registers l and blocks until the context is cancelled.
func (f *fanOut[T]) Listen(ctx context.Context, l chan T) {
	f.m.Lock()
	f.listeners[l] = struct{}{}
	f.m.Unlock()

	<-ctx.Done()

	f.m.Lock()
	delete(f.listeners, l)
	f.m.Unlock()
}

func (f *fanOut[T]) Notify(msg T) {
	f.m.RLock()
	defer f.m.RUnlock()

	for listener := range f.listeners {
		select {
		case listener <- msg:
		default:
		}
	}
}
