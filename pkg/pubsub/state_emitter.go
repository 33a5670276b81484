package pubsub

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/signal"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
	"go.uber.org/multierr"
)

// DefaultMaxSendFailures is how many consecutive failed sends a state
// destination may have before it is skipped.
const DefaultMaxSendFailures = 10

// StateEmitterConfig holds configuration for a StateEmitter.
type StateEmitterConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery. Required.
	Reactor *reactor.Reactor

	// Net opens the socket and resolves collector addresses. If nil, the
	// host network stack is used.
	Net ptransport.Net

	// Conn is an optional pre-opened socket to send from.
	Conn net.PacketConn

	// Domain to browse for collectors. If empty, the default domain is used.
	Domain string

	// Interface index to browse on; 0 means all interfaces.
	Interface uint32

	// Encoder serializes the state. If nil, YAMLStateCodec is used.
	Encoder StateEncoder

	// MaxFailures is the consecutive send failure limit per collector.
	// If zero, DefaultMaxSendFailures is used.
	MaxFailures int

	// QueueSize bounds queued records. If zero, DefaultQueueSize is used.
	QueueSize int

	// Metrics is optional.
	Metrics *Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type recordKind uint8

const (
	recordData recordKind = iota
	recordAdd
	recordRemove
)

// stateRecord is one item for the emitter's worker. Records of all kinds
// share one queue so additions, removals and sends stay ordered.
type stateRecord struct {
	kind   recordKind
	data   []byte
	name   string
	domain string
	addr   *net.UDPAddr
}

type destination struct {
	name     string
	domain   string
	addr     *net.UDPAddr
	failures int
}

// StateEmitter sends its state to every StateCollector it finds. A new
// collector receives the current state right away; afterwards each Publish
// sends to all collectors.
//
// Open and Close are reactor-bound. The state setters and Publish may be
// called from any goroutine.
type StateEmitter struct {
	config      StateEmitterConfig
	browser     *discovery.Browser
	encoder     StateEncoder
	queue       *workQueue[stateRecord]
	net         ptransport.Net
	maxFailures int
	metrics     *Metrics
	log         logging.LeveledLogger

	socket   *transport.UDP
	resolved map[*discovery.ServiceEntry]*signal.Connection
	open     bool

	mu    sync.Mutex
	state State

	destMu       sync.Mutex
	destinations []*destination
}

// NewStateEmitter creates an emitter. Call Open to start.
func NewStateEmitter(config StateEmitterConfig) (*StateEmitter, error) {
	if config.Reactor == nil {
		return nil, ErrNoReactor
	}
	if config.Encoder == nil {
		config.Encoder = YAMLStateCodec{}
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultMaxSendFailures
	}

	n, err := hostNet(config.Net)
	if err != nil {
		return nil, err
	}

	browser, err := discovery.NewBrowser(discovery.BrowserConfig{
		Daemon: config.Daemon,
		MonitorFactory: &discovery.ReactorMonitorFactory{
			Reactor:       config.Reactor,
			LoggerFactory: config.LoggerFactory,
		},
		Type:          KindStateEmitter.Twin().Type(),
		Domain:        config.Domain,
		Interface:     config.Interface,
		Net:           n,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	e := &StateEmitter{
		config:      config,
		browser:     browser,
		encoder:     config.Encoder,
		queue:       newWorkQueue[stateRecord](config.QueueSize),
		net:         n,
		maxFailures: config.MaxFailures,
		metrics:     config.Metrics,
		resolved:    make(map[*discovery.ServiceEntry]*signal.Connection),
		state:       State{Values: map[string]string{}},
	}

	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("pubsub-state-emitter")
	}

	browser.OnFound(e.foundEntries)
	browser.OnLost(e.lostEntries)

	return e, nil
}

// Open names the emitter, starts its worker and browses for collectors.
func (e *StateEmitter) Open(emitterName string) error {
	if e.open {
		return ErrAlreadyOpen
	}

	e.mu.Lock()
	e.state.EmitterName = emitterName
	e.mu.Unlock()

	socket, err := transport.NewUDP(transport.UDPConfig{
		Net:           e.net,
		Conn:          e.config.Conn,
		ListenAddr:    "0.0.0.0:0",
		Handler:       func(*transport.Datagram) {},
		LoggerFactory: e.config.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("state emitter: open socket: %w", err)
	}

	e.socket = socket
	e.queue.activate(e.handle)

	if err := e.browser.Start(); err != nil {
		if e.log != nil {
			e.log.Errorf("failed to start browser: %v", err)
		}
		e.queue.deactivate()
		socket.Stop()
		e.socket = nil
		return err
	}

	e.open = true
	return nil
}

// SetState sets one state value. It is sent on the next Publish.
func (e *StateEmitter) SetState(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Values[key] = value
}

// RemoveState deletes one state value.
func (e *StateEmitter) RemoveState(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state.Values, key)
}

// ClearState deletes every state value.
func (e *StateEmitter) ClearState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Values = map[string]string{}
}

// State returns a copy of the current state.
func (e *StateEmitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

func (e *StateEmitter) encode() ([]byte, error) {
	return e.encoder.EncodeState(e.State())
}

// Publish sends the current state to every collector.
func (e *StateEmitter) Publish(ctx context.Context) error {
	data, err := e.encode()
	if err != nil {
		return err
	}
	if err := e.queue.put(ctx, stateRecord{kind: recordData, data: data}); err != nil {
		if e.log != nil {
			e.log.Errorf("failed to enqueue updated state: %v", err)
		}
		return err
	}
	return nil
}

// Destinations returns the names of the collectors being sent to.
func (e *StateEmitter) Destinations() []string {
	e.destMu.Lock()
	defer e.destMu.Unlock()

	names := make([]string, len(e.destinations))
	for i, d := range e.destinations {
		names[i] = d.name
	}
	return names
}

func (e *StateEmitter) foundEntries(entries []*discovery.ServiceEntry) {
	// Collectors are added once resolved.
	for _, entry := range entries {
		if _, ok := e.resolved[entry]; !ok {
			e.resolved[entry] = entry.OnResolved(e.resolvedEntry)
		}
		if err := entry.Resolve(false); err != nil && e.log != nil {
			e.log.Errorf("failed to resolve %s: %v", entry.Name(), err)
		}
	}
}

func (e *StateEmitter) resolvedEntry(entry *discovery.ServiceEntry) {
	if !entry.IsResolved() {
		return
	}

	r := entry.ResolvedEntry()
	addr, err := transport.ResolveUDPAddr(e.net, r.DialHost(), r.Port())
	if err != nil {
		if e.log != nil {
			e.log.Errorf("invalid address for %s: %v", entry.Name(), err)
		}
		return
	}

	if e.log != nil {
		e.log.Infof("collector %s at %s", entry.Name(), addr)
	}
	rec := stateRecord{kind: recordAdd, name: entry.Name(), domain: entry.Domain(), addr: addr}
	if err := e.queue.put(context.Background(), rec); err != nil && e.log != nil {
		e.log.Errorf("failed to enqueue new destination: %v", err)
	}
}

func (e *StateEmitter) lostEntries(entries []*discovery.ServiceEntry) {
	for _, entry := range entries {
		if conn, ok := e.resolved[entry]; ok {
			conn.Disconnect()
			delete(e.resolved, entry)
		}

		rec := stateRecord{kind: recordRemove, name: entry.Name(), domain: entry.Domain()}
		if err := e.queue.put(context.Background(), rec); err != nil && e.log != nil {
			e.log.Errorf("failed to enqueue remove destination: %v", err)
		}
	}
}

func (e *StateEmitter) handle(rec stateRecord) {
	switch rec.kind {
	case recordData:
		e.destMu.Lock()
		dests := append([]*destination(nil), e.destinations...)
		e.destMu.Unlock()
		for _, d := range dests {
			e.sendTo(d, rec.data)
		}

	case recordAdd:
		e.destMu.Lock()
		var dest *destination
		for _, d := range e.destinations {
			if d.name == rec.name && d.domain == rec.domain {
				dest = d
				break
			}
		}
		if dest == nil {
			dest = &destination{name: rec.name, domain: rec.domain}
			e.destinations = append(e.destinations, dest)
		}
		// A fresh resolve may carry a new address and clears the failures.
		dest.addr = rec.addr
		dest.failures = 0
		count := len(e.destinations)
		e.destMu.Unlock()

		e.metrics.setDestinations(count)
		e.bringUpToDate(dest)

	case recordRemove:
		e.destMu.Lock()
		for i, d := range e.destinations {
			if d.name == rec.name && d.domain == rec.domain {
				e.destinations = append(e.destinations[:i], e.destinations[i+1:]...)
				break
			}
		}
		count := len(e.destinations)
		e.destMu.Unlock()

		e.metrics.setDestinations(count)
	}
}

func (e *StateEmitter) bringUpToDate(d *destination) {
	data, err := e.encode()
	if err != nil {
		if e.log != nil {
			e.log.Errorf("%v", err)
		}
		return
	}
	e.sendTo(d, data)
}

func (e *StateEmitter) sendTo(d *destination, data []byte) {
	if d.failures > e.maxFailures {
		return
	}

	if err := e.socket.Send(data, d.addr); err != nil {
		d.failures++
		e.metrics.sendFailure()
		if e.log != nil {
			e.log.Errorf("%s failed send to %s: %v", d.name, d.addr, err)
		}
		return
	}
	d.failures = 0
	e.metrics.sent()
}

// Close stops the worker and the browser and closes the socket.
func (e *StateEmitter) Close() error {
	if !e.open {
		return nil
	}
	e.open = false

	err := e.queue.deactivate()
	e.browser.Stop()
	for entry, conn := range e.resolved {
		conn.Disconnect()
		delete(e.resolved, entry)
	}
	err = multierr.Append(err, e.socket.Stop())
	e.socket = nil

	e.destMu.Lock()
	e.destinations = nil
	e.destMu.Unlock()
	e.metrics.setDestinations(0)
	return err
}
