// Package reactor implements a single-goroutine event loop.
//
// A Reactor runs posted closures, readiness handlers and timer callbacks one
// at a time on the goroutine that called Run. Code driven exclusively from a
// Reactor therefore needs no locking of its own. Readiness sources are plain
// channels: each registration gets a watcher goroutine that waits for the
// channel, posts the handler and waits for it to finish before watching
// again, so a handler is never queued twice for the same readiness.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// HandleID identifies a readiness registration.
type HandleID uint64

// TimerID identifies a scheduled timer.
type TimerID uint64

// Config configures a Reactor.
type Config struct {
	// Clock drives timers. If nil, the wall clock is used.
	Clock clock.Clock

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Reactor is a single-goroutine dispatcher.
type Reactor struct {
	clock clock.Clock
	log   logging.LeveledLogger

	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	handles  map[HandleID]*watch
	timers   map[TimerID]*timer
	nextID   uint64
	closed   bool
	closedCh chan struct{}
}

type watch struct {
	id      HandleID
	handler func()
	stop    chan struct{}
}

type timer struct {
	id       TimerID
	interval time.Duration
	fn       func()
	t        *clock.Timer
}

// New creates a Reactor. Call Run to start dispatching.
func New(config Config) *Reactor {
	c := config.Clock
	if c == nil {
		c = clock.New()
	}

	r := &Reactor{
		clock:    c,
		wake:     make(chan struct{}, 1),
		handles:  make(map[HandleID]*watch),
		timers:   make(map[TimerID]*timer),
		closedCh: make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("reactor")
	}

	return r
}

// Clock returns the clock used for timers.
func (r *Reactor) Clock() clock.Clock {
	return r.clock
}

// Post queues fn to run on the reactor goroutine.
// Closures posted after Close are dropped.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches events until ctx is cancelled or Close is called.
func (r *Reactor) Run(ctx context.Context) error {
	if r.log != nil {
		r.log.Debug("reactor running")
	}

	for {
		r.Poll()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closedCh:
			return ErrClosed
		case <-r.wake:
		}
	}
}

// Poll runs every closure queued so far without blocking and returns how
// many ran. It must not be called concurrently with Run.
func (r *Reactor) Poll() int {
	count := 0
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return count
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		fn()
		count++
	}
}

// Register arranges for handler to run on the reactor goroutine every time
// ready delivers a value.
func (r *Reactor) Register(ready <-chan struct{}, handler func()) (HandleID, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	r.nextID++
	w := &watch{
		id:      HandleID(r.nextID),
		handler: handler,
		stop:    make(chan struct{}),
	}
	r.handles[w.id] = w
	r.mu.Unlock()

	go r.watchLoop(w, ready)

	return w.id, nil
}

// Unregister removes a readiness registration. A handler already queued for
// the registration does not run after Unregister returns on the reactor
// goroutine.
func (r *Reactor) Unregister(id HandleID) bool {
	r.mu.Lock()
	w, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return ok
}

func (r *Reactor) registered(id HandleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

func (r *Reactor) watchLoop(w *watch, ready <-chan struct{}) {
	for {
		select {
		case <-w.stop:
			return
		case <-ready:
		}

		done := make(chan struct{})
		r.Post(func() {
			defer close(done)
			if r.registered(w.id) {
				w.handler()
			}
		})

		select {
		case <-done:
		case <-w.stop:
			return
		case <-r.closedCh:
			return
		}
	}
}

// Schedule runs fn on the reactor goroutine after delay, and then every
// interval if interval is positive.
func (r *Reactor) Schedule(delay, interval time.Duration, fn func()) (TimerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if delay < 0 || interval < 0 {
		return 0, ErrInvalidDuration
	}

	r.nextID++
	tm := &timer{
		id:       TimerID(r.nextID),
		interval: interval,
		fn:       fn,
	}
	r.timers[tm.id] = tm
	tm.t = r.clock.AfterFunc(delay, func() { r.fire(tm.id) })

	return tm.id, nil
}

func (r *Reactor) fire(id TimerID) {
	r.Post(func() {
		r.mu.Lock()
		tm, ok := r.timers[id]
		if ok {
			if tm.interval > 0 {
				tm.t = r.clock.AfterFunc(tm.interval, func() { r.fire(id) })
			} else {
				delete(r.timers, id)
			}
		}
		r.mu.Unlock()

		if ok {
			tm.fn()
		}
	})
}

// Cancel stops a timer. It returns false if the timer already expired
// (one-shot) or was cancelled.
func (r *Reactor) Cancel(id TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tm, ok := r.timers[id]
	if !ok {
		return false
	}
	tm.t.Stop()
	delete(r.timers, id)
	return true
}

// Close stops all watchers and timers and makes Run return.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	handles := r.handles
	r.handles = make(map[HandleID]*watch)
	for _, tm := range r.timers {
		tm.t.Stop()
	}
	r.timers = make(map[TimerID]*timer)
	r.queue = nil
	r.mu.Unlock()

	for _, w := range handles {
		close(w.stop)
	}
	close(r.closedCh)

	if r.log != nil {
		r.log.Debug("reactor closed")
	}
	return nil
}
