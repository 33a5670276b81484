package pubsub

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

// DefaultMulticastTTL keeps multicast data within a few router hops.
const DefaultMulticastTTL = 10

// MulticastPublisherConfig holds configuration for a MulticastDataPublisher.
type MulticastPublisherConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery and the sweep timer. Required.
	Reactor *reactor.Reactor

	// Net opens sockets. If nil, the host network stack is used.
	Net ptransport.Net

	// Key is the data kind, published as the sub-type of the service.
	Key string

	// GroupAddress is the multicast group data is sent to. It is also
	// advertised as the TXT "host" entry.
	GroupAddress string

	// Interface index to register on; 0 means all interfaces.
	Interface uint32

	// TTL is the multicast time-to-live. If zero, DefaultMulticastTTL is used.
	TTL int

	// Writer is an optional pre-opened data socket. Its local port is the
	// advertised data port.
	Writer net.PacketConn

	// HeartbeatConn is an optional pre-opened heartbeat socket.
	HeartbeatConn net.PacketConn

	// HeartbeatListenAddr is used when HeartbeatConn is nil.
	// If empty, an ephemeral port on all addresses is used.
	HeartbeatListenAddr string

	// Heartbeat configures client tracking. OnActiveChanged is ignored.
	Heartbeat HeartbeatConfig

	// QueueSize bounds queued data. If zero, DefaultQueueSize is used.
	QueueSize int

	// Retry and Jitter tune registration; see DataPublisherConfig.
	Retry  backoff.BackOff
	Jitter time.Duration

	// Metrics is optional.
	Metrics *Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// MulticastDataPublisher sends data to a multicast group and advertises
// the group, port and heartbeat port via DNS-SD.
//
// Data is only sent while at least one subscriber is heard from; otherwise
// Send drops it. Sends are handed to a worker goroutine that starts once
// the registration is confirmed.
//
// Open and Close are reactor-bound. Send may be called from any goroutine.
type MulticastDataPublisher struct {
	config    MulticastPublisherConfig
	reactor   *reactor.Reactor
	publisher *DataPublisher
	tracker   *HeartbeatTracker
	queue     *workQueue[[]byte]
	metrics   *Metrics
	log       logging.LeveledLogger

	writer    *transport.UDP
	heartbeat *transport.UDP
	groupAddr *net.UDPAddr
	sweep     reactor.TimerID
	open      bool
}

// NewMulticastDataPublisher creates a publisher. Call Open to start.
func NewMulticastDataPublisher(config MulticastPublisherConfig) (*MulticastDataPublisher, error) {
	if config.TTL == 0 {
		config.TTL = DefaultMulticastTTL
	}
	if config.HeartbeatListenAddr == "" {
		config.HeartbeatListenAddr = "0.0.0.0:0"
	}

	typ, err := KindPublisher.MakeType(config.Key)
	if err != nil {
		return nil, err
	}

	publisher, err := NewDataPublisher(DataPublisherConfig{
		Daemon:        config.Daemon,
		Reactor:       config.Reactor,
		Type:          typ,
		Interface:     config.Interface,
		Retry:         config.Retry,
		Jitter:        config.Jitter,
		Metrics:       config.Metrics,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	m := &MulticastDataPublisher{
		config:    config,
		reactor:   config.Reactor,
		publisher: publisher,
		queue:     newWorkQueue[[]byte](config.QueueSize),
		metrics:   config.Metrics,
	}

	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("pubsub-multicast-publisher")
	}

	hb := config.Heartbeat
	hb.Metrics = config.Metrics
	hb.LoggerFactory = config.LoggerFactory
	hb.OnActiveChanged = m.activeChanged
	m.tracker = NewHeartbeatTracker(hb)

	publisher.OnReady(func(string) {
		if m.open && m.queue.activate(m.write) && m.log != nil {
			m.log.Debug("data queue activated")
		}
	})

	return m, nil
}

// Publisher returns the DataPublisher advertising the connection.
func (m *MulticastDataPublisher) Publisher() *DataPublisher { return m.publisher }

// Tracker returns the heartbeat tracker.
func (m *MulticastDataPublisher) Tracker() *HeartbeatTracker { return m.tracker }

// IsUsingData reports whether any subscriber is listening.
func (m *MulticastDataPublisher) IsUsingData() bool { return m.tracker.Active() }

// GroupAddr returns the destination of data datagrams, or nil before Open.
func (m *MulticastDataPublisher) GroupAddr() *net.UDPAddr { return m.groupAddr }

// HeartbeatAddr returns the local heartbeat address, or nil before Open.
func (m *MulticastDataPublisher) HeartbeatAddr() net.Addr {
	if m.heartbeat == nil {
		return nil
	}
	return m.heartbeat.LocalAddr()
}

// Open creates the sockets and publishes the connection details as
// serviceName.
func (m *MulticastDataPublisher) Open(serviceName string) (err error) {
	if m.open {
		return ErrAlreadyOpen
	}
	if m.log != nil {
		m.log.Infof("opening %s for %s at %s", serviceName, m.config.Key, m.config.GroupAddress)
	}

	defer func() {
		if err != nil {
			m.closeSockets()
		}
	}()

	n, err := hostNet(m.config.Net)
	if err != nil {
		return err
	}

	m.writer, err = transport.NewUDP(transport.UDPConfig{
		Net:           n,
		Conn:          m.config.Writer,
		ListenAddr:    "0.0.0.0:0",
		Handler:       func(*transport.Datagram) {},
		LoggerFactory: m.config.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("multicast publisher: open writer: %w", err)
	}

	if uc, ok := m.writer.Conn().(*net.UDPConn); ok {
		if err := ipv4.NewPacketConn(uc).SetMulticastTTL(m.config.TTL); err != nil {
			return fmt.Errorf("multicast publisher: set TTL for %s: %w", m.config.GroupAddress, err)
		}
	}

	port := m.writer.Port()
	if port == 0 {
		return fmt.Errorf("multicast publisher: %w: writer has no UDP port", transport.ErrInvalidAddress)
	}
	m.groupAddr, err = transport.ResolveUDPAddr(n, m.config.GroupAddress, uint16(port))
	if err != nil {
		return fmt.Errorf("multicast publisher: %w", err)
	}

	m.heartbeat, err = transport.NewUDP(transport.UDPConfig{
		Net:        n,
		Conn:       m.config.HeartbeatConn,
		ListenAddr: m.config.HeartbeatListenAddr,
		Handler: func(d *transport.Datagram) {
			m.tracker.Handle(d.Data, d.From)
		},
		LoggerFactory: m.config.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("multicast publisher: open heartbeat reader: %w", err)
	}
	hbPort := m.heartbeat.Port()
	if hbPort == 0 {
		return fmt.Errorf("multicast publisher: %w: heartbeat reader has no UDP port", transport.ErrInvalidAddress)
	}

	m.publisher.SetPort(uint16(port))
	if err := m.publisher.SetTransport(transport.ModeMulticast); err != nil {
		return err
	}
	if err := m.publisher.SetHost(m.config.GroupAddress); err != nil {
		return err
	}
	if err := m.publisher.SetTextData(discovery.TXTKeyHeartBeatPort, strconv.Itoa(hbPort)); err != nil {
		return err
	}

	if err := m.heartbeat.Start(); err != nil {
		return err
	}

	interval := m.tracker.SweepInterval()
	m.sweep, err = m.reactor.Schedule(interval, interval, func() { m.tracker.Sweep() })
	if err != nil {
		return fmt.Errorf("multicast publisher: schedule sweep: %w", err)
	}

	m.open = true
	if err := m.publisher.Publish(serviceName); err != nil {
		m.open = false
		m.reactor.Cancel(m.sweep)
		return err
	}
	return nil
}

func (m *MulticastDataPublisher) activeChanged(active bool) {
	if m.log != nil {
		m.log.Infof("using data: %v", active)
	}
}

// Send queues data for the group. While nobody is listening the data is
// dropped and Send returns nil. Before the registration is confirmed Send
// fails with ErrQueueInactive.
func (m *MulticastDataPublisher) Send(ctx context.Context, data []byte) error {
	if !m.tracker.Active() {
		m.metrics.dropped()
		return nil
	}
	return m.queue.put(ctx, data)
}

func (m *MulticastDataPublisher) write(data []byte) {
	if err := m.writer.Send(data, m.groupAddr); err != nil {
		if m.log != nil {
			m.log.Errorf("failed to send %d bytes: %v", len(data), err)
		}
		m.metrics.sendFailure()
		return
	}
	m.metrics.sent()
}

// Close stops the worker, withdraws the registration and closes the
// sockets.
func (m *MulticastDataPublisher) Close() error {
	if !m.open {
		return nil
	}
	m.open = false

	err := m.queue.deactivate()
	m.reactor.Cancel(m.sweep)
	m.publisher.Close()
	err = multierr.Append(err, m.closeSockets())
	m.tracker.Clear()
	return err
}

func (m *MulticastDataPublisher) closeSockets() error {
	var err error
	if m.writer != nil {
		err = multierr.Append(err, m.writer.Stop())
		m.writer = nil
	}
	if m.heartbeat != nil {
		err = multierr.Append(err, m.heartbeat.Stop())
		m.heartbeat = nil
	}
	return err
}
