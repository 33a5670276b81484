package discovery

import (
	"sync"

	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/pion/logging"
)

// Monitor decides when a running Transaction processes its replies.
//
// ServiceStarted is called once each time the transaction starts a request,
// after its descriptor is valid. ServiceStopping is called once when it
// stops, while the descriptor is still valid. A Monitor serves exactly one
// Transaction.
type Monitor interface {
	ServiceStarted(t *Transaction)
	ServiceStopping(t *Transaction)
}

// MonitorFactory makes a fresh Monitor per Transaction. A Browser keeps one
// so every ServiceEntry it discovers gets its own monitor.
type MonitorFactory interface {
	NewMonitor() Monitor
}

// MonitorFactoryFunc adapts a function to MonitorFactory.
type MonitorFactoryFunc func() Monitor

// NewMonitor implements MonitorFactory.
func (f MonitorFactoryFunc) NewMonitor() Monitor {
	return f()
}

// ReactorMonitor registers the transaction's readiness with a Reactor. Reply
// processing then runs on the reactor goroutine.
type ReactorMonitor struct {
	reactor    *reactor.Reactor
	log        logging.LeveledLogger
	id         reactor.HandleID
	registered bool
}

// NewReactorMonitor creates a monitor bound to r.
func NewReactorMonitor(r *reactor.Reactor, loggerFactory logging.LoggerFactory) *ReactorMonitor {
	m := &ReactorMonitor{reactor: r}
	if loggerFactory != nil {
		m.log = loggerFactory.NewLogger("zeroconf-monitor")
	}
	return m
}

// ServiceStarted implements Monitor.
func (m *ReactorMonitor) ServiceStarted(t *Transaction) {
	id, err := m.reactor.Register(t.Ready(), func() { t.ProcessConnection() })
	if err != nil {
		if m.log != nil {
			m.log.Errorf("failed to register descriptor %d: %v", t.Connection(), err)
		}
		return
	}
	m.id = id
	m.registered = true
}

// ServiceStopping implements Monitor.
func (m *ReactorMonitor) ServiceStopping(t *Transaction) {
	if !m.registered {
		return
	}
	m.reactor.Unregister(m.id)
	m.registered = false
}

// ReactorMonitorFactory makes ReactorMonitors sharing one Reactor.
type ReactorMonitorFactory struct {
	Reactor       *reactor.Reactor
	LoggerFactory logging.LoggerFactory
}

// NewMonitor implements MonitorFactory.
func (f *ReactorMonitorFactory) NewMonitor() Monitor {
	return NewReactorMonitor(f.Reactor, f.LoggerFactory)
}

// AsyncMonitor runs one goroutine per running transaction and processes
// replies while holding a lock shared by every monitor of the same factory.
// Code touching those transactions from elsewhere must hold the same lock.
type AsyncMonitor struct {
	lock sync.Locker
	stop chan struct{}
}

// NewAsyncMonitor creates a monitor serialized by lock.
func NewAsyncMonitor(lock sync.Locker) *AsyncMonitor {
	return &AsyncMonitor{lock: lock}
}

// ServiceStarted implements Monitor.
func (m *AsyncMonitor) ServiceStarted(t *Transaction) {
	stop := make(chan struct{})
	m.stop = stop
	go m.run(t, t.Ready(), stop)
}

func (m *AsyncMonitor) run(t *Transaction, ready <-chan struct{}, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ready:
		}

		m.lock.Lock()
		select {
		case <-stop:
			m.lock.Unlock()
			return
		default:
		}
		t.ProcessConnection()
		m.lock.Unlock()
	}
}

// ServiceStopping implements Monitor. It does not wait for the goroutine,
// because it is usually called with the shared lock held.
func (m *AsyncMonitor) ServiceStopping(t *Transaction) {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// AsyncMonitorFactory makes AsyncMonitors sharing one lock.
type AsyncMonitorFactory struct {
	mu sync.Mutex
}

// NewAsyncMonitorFactory creates a factory with its own lock.
func NewAsyncMonitorFactory() *AsyncMonitorFactory {
	return &AsyncMonitorFactory{}
}

// Locker returns the lock serializing the factory's monitors.
func (f *AsyncMonitorFactory) Locker() sync.Locker {
	return &f.mu
}

// NewMonitor implements MonitorFactory.
func (f *AsyncMonitorFactory) NewMonitor() Monitor {
	return NewAsyncMonitor(&f.mu)
}

// Notifier is a host event loop able to watch readiness channels. Watch
// must arrange for activate to run on the loop each time ready delivers,
// and return a function that stops the watch.
type Notifier interface {
	Watch(desc Descriptor, ready <-chan struct{}, activate func()) (cancel func())
}

// NotifierMonitor hands readiness to a Notifier.
type NotifierMonitor struct {
	notifier Notifier
	cancel   func()
}

// NewNotifierMonitor creates a monitor bound to n.
func NewNotifierMonitor(n Notifier) *NotifierMonitor {
	return &NotifierMonitor{notifier: n}
}

// ServiceStarted implements Monitor.
func (m *NotifierMonitor) ServiceStarted(t *Transaction) {
	m.cancel = m.notifier.Watch(t.Connection(), t.Ready(), func() { t.ProcessConnection() })
}

// ServiceStopping implements Monitor.
func (m *NotifierMonitor) ServiceStopping(t *Transaction) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// NotifierMonitorFactory makes NotifierMonitors sharing one Notifier.
type NotifierMonitorFactory struct {
	Notifier Notifier
}

// NewMonitor implements MonitorFactory.
func (f *NotifierMonitorFactory) NewMonitor() Monitor {
	return NewNotifierMonitor(f.Notifier)
}
