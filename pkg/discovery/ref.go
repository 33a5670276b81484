package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var lastDescriptor atomic.Int64

func init() {
	lastDescriptor.Store(2)
}

// replyQueue is the ServiceRef shared by all daemon bindings. Binding
// goroutines post reply closures; ProcessResult runs them one at a time on
// the caller's goroutine.
type replyQueue struct {
	desc  Descriptor
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	pending []func()
	closed  bool

	update  func(text []byte) error
	release func()
}

func newReplyQueue(update func([]byte) error, release func()) *replyQueue {
	return &replyQueue{
		desc:    Descriptor(lastDescriptor.Add(1)),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		update:  update,
		release: release,
	}
}

// post queues a reply. It returns false once the reference is deallocated.
func (q *replyQueue) post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.signal()
	q.mu.Unlock()
	return true
}

// queued returns the number of replies waiting.
func (q *replyQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// signal and drain are called with mu held, so the readiness token is
// present exactly when replies are pending.
func (q *replyQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *replyQueue) drain() {
	select {
	case <-q.ready:
	default:
	}
}

// Done is closed when the reference is deallocated.
func (q *replyQueue) Done() <-chan struct{} {
	return q.done
}

func (q *replyQueue) Descriptor() Descriptor {
	return q.desc
}

func (q *replyQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *replyQueue) ProcessResult(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrNotRunning
		}
		if len(q.pending) > 0 {
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			if len(q.pending) > 0 {
				q.signal()
			} else {
				q.drain()
			}
			q.mu.Unlock()

			fn()
			return nil
		}
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return contextError(err)
		}

		select {
		case <-q.ready:
		case <-q.done:
			return ErrNotRunning
		case <-ctx.Done():
			return contextError(ctx.Err())
		}
	}
}

func (q *replyQueue) UpdateRecord(text []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return ErrNotRunning
	}
	if q.update == nil {
		return ErrNotPublished
	}
	return q.update(text)
}

func (q *replyQueue) Deallocate() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	close(q.done)
	if q.release != nil {
		q.release()
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
