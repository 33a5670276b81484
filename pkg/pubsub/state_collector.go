package pubsub

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/signal"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
)

// StateCollectorConfig holds configuration for a StateCollector.
type StateCollectorConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery. Required.
	Reactor *reactor.Reactor

	// Net opens the socket. If nil, the host network stack is used.
	Net ptransport.Net

	// Conn is an optional pre-opened socket to receive on.
	Conn net.PacketConn

	// ListenAddr is used when Conn is nil. If empty, an ephemeral port on
	// all addresses is used.
	ListenAddr string

	// Host is advertised as the TXT "host" entry when set.
	Host string

	// Interface index to register on; 0 means all interfaces.
	Interface uint32

	// Decoder parses received states. If nil, YAMLStateCodec is used.
	Decoder StateDecoder

	// Retry and Jitter tune registration; see DataPublisherConfig.
	Retry  backoff.BackOff
	Jitter time.Duration

	// Metrics is optional.
	Metrics *Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// StateCollector receives the states of StateEmitters. It publishes the
// collector service type so emitters can find it and keeps the latest
// state of every emitter.
//
// Open and Close are reactor-bound. State reads may happen on any
// goroutine; OnState slots run on the socket reader goroutine.
type StateCollector struct {
	config    StateCollectorConfig
	publisher *DataPublisher
	decoder   StateDecoder
	metrics   *Metrics
	log       logging.LeveledLogger

	socket *transport.UDP
	open   bool

	mu     sync.Mutex
	states map[string]State

	stateSignal signal.Signal[State]
}

// NewStateCollector creates a collector. Call Open to start.
func NewStateCollector(config StateCollectorConfig) (*StateCollector, error) {
	if config.Decoder == nil {
		config.Decoder = YAMLStateCodec{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "0.0.0.0:0"
	}

	publisher, err := NewDataPublisher(DataPublisherConfig{
		Daemon:        config.Daemon,
		Reactor:       config.Reactor,
		Type:          KindStateCollector.Type(),
		Interface:     config.Interface,
		Retry:         config.Retry,
		Jitter:        config.Jitter,
		Metrics:       config.Metrics,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	c := &StateCollector{
		config:    config,
		publisher: publisher,
		decoder:   config.Decoder,
		metrics:   config.Metrics,
		states:    make(map[string]State),
	}

	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("pubsub-state-collector")
	}

	return c, nil
}

// Publisher returns the DataPublisher advertising the collector.
func (c *StateCollector) Publisher() *DataPublisher { return c.publisher }

// Addr returns the local socket address, or nil before Open.
func (c *StateCollector) Addr() net.Addr {
	if c.socket == nil {
		return nil
	}
	return c.socket.LocalAddr()
}

// OnState connects fn to the state signal, emitted for every state
// received.
func (c *StateCollector) OnState(fn func(State)) *signal.Connection {
	return c.stateSignal.Connect(fn)
}

// Open starts receiving and publishes the collector as serviceName.
func (c *StateCollector) Open(serviceName string) error {
	if c.open {
		return ErrAlreadyOpen
	}

	n, err := hostNet(c.config.Net)
	if err != nil {
		return err
	}

	socket, err := transport.NewUDP(transport.UDPConfig{
		Net:           n,
		Conn:          c.config.Conn,
		ListenAddr:    c.config.ListenAddr,
		Handler:       c.receive,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	port := socket.Port()
	if port == 0 {
		socket.Stop()
		return transport.ErrInvalidAddress
	}

	c.publisher.SetPort(uint16(port))
	err = c.publisher.SetTransport(transport.ModeUDP)
	if err == nil && c.config.Host != "" {
		err = c.publisher.SetHost(c.config.Host)
	}
	if err == nil {
		err = socket.Start()
	}
	if err == nil {
		err = c.publisher.Publish(serviceName)
	}
	if err != nil {
		socket.Stop()
		return err
	}

	c.socket = socket
	c.open = true
	return nil
}

func (c *StateCollector) receive(d *transport.Datagram) {
	st, err := c.decoder.DecodeState(d.Data)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("bad state from %s: %v", d.From, err)
		}
		return
	}

	if c.log != nil {
		c.log.Debugf("state of %s from %s", st.EmitterName, d.From)
	}
	c.mu.Lock()
	c.states[st.EmitterName] = st.clone()
	c.mu.Unlock()

	c.metrics.stateReceived()
	c.stateSignal.Emit(st)
}

// State returns the last state received from emitterName.
func (c *StateCollector) State(emitterName string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[emitterName]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Emitters returns the names of the emitters heard from, sorted.
func (c *StateCollector) Emitters() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.states))
	for name := range c.states {
		names = append(names, name)
	}
	c.mu.Unlock()

	sort.Strings(names)
	return names
}

// Close withdraws the registration and closes the socket.
func (c *StateCollector) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.publisher.Close()
	err := c.socket.Stop()
	c.socket = nil
	return err
}
