package pubsub

import (
	"context"
	"sync"

	"gopkg.in/tomb.v2"
)

// DefaultQueueSize is the capacity of a data work queue.
const DefaultQueueSize = 64

// workQueue hands items from any goroutine to one worker goroutine in FIFO
// order. It starts deactivated; Put fails until activate starts a worker,
// and deactivate stops and joins it.
type workQueue[T any] struct {
	ch chan T

	mu   sync.Mutex
	tomb *tomb.Tomb
}

func newWorkQueue[T any](size int) *workQueue[T] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &workQueue[T]{ch: make(chan T, size)}
}

// activate starts a worker calling handle for each item. It returns false
// if a worker is already running.
func (q *workQueue[T]) activate(handle func(T)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tomb != nil {
		return false
	}

	// Items left from an earlier activation are stale.
	for len(q.ch) > 0 {
		<-q.ch
	}

	t := &tomb.Tomb{}
	t.Go(func() error {
		for {
			select {
			case <-t.Dying():
				return nil
			case item := <-q.ch:
				handle(item)
			}
		}
	})
	q.tomb = t
	return true
}

// deactivate stops the worker and waits for it to exit.
func (q *workQueue[T]) deactivate() error {
	q.mu.Lock()
	t := q.tomb
	q.tomb = nil
	q.mu.Unlock()

	if t == nil {
		return nil
	}
	t.Kill(nil)
	return t.Wait()
}

func (q *workQueue[T]) active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tomb != nil
}

// put queues item, blocking while the queue is full.
func (q *workQueue[T]) put(ctx context.Context, item T) error {
	q.mu.Lock()
	t := q.tomb
	q.mu.Unlock()

	if t == nil {
		return ErrQueueInactive
	}

	select {
	case q.ch <- item:
		return nil
	case <-t.Dying():
		return ErrQueueInactive
	case <-ctx.Done():
		return ctx.Err()
	}
}
