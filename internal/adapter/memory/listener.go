package memory

import (
	"context"
	"sync"
)

const listenerBuffer = 64

// listener runs fn on its own goroutine for every offered value.
type listener[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func newListener[T any](ctx context.Context, fn func(T)) *listener[T] {
	l := &listener[T]{
		ch:   make(chan T, listenerBuffer),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case v := <-l.ch:
				fn(v)
			case <-l.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return l
}

// offer never blocks; a full buffer drops the value.
func (l *listener[T]) offer(v T) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.ch <- v:
		return true
	default:
		return false
	}
}

func (l *listener[T]) stop() {
	l.once.Do(func() { close(l.done) })
}
