package pubsub

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
	"go.uber.org/multierr"
)

// TCPPublisherConfig holds configuration for a TCPDataPublisher.
type TCPPublisherConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery. Required.
	Reactor *reactor.Reactor

	// Net opens the listener. If nil, the host network stack is used.
	Net ptransport.Net

	// Listener is an optional pre-opened listener.
	Listener net.Listener

	// ListenAddr is used when Listener is nil. If empty, an ephemeral port
	// on all addresses is used.
	ListenAddr string

	// Key is the data kind, published as the sub-type of the service.
	Key string

	// Host is advertised as the TXT "host" entry when set.
	Host string

	// Interface index to register on; 0 means all interfaces.
	Interface uint32

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

// TCPDataPublisher sends length-prefixed frames to every connected
// subscriber. Like MulticastDataPublisher it drops data while nobody is
// connected.
//
// Open and Close are reactor-bound. Send may be called from any goroutine.
type TCPDataPublisher struct {
	config    TCPPublisherConfig
	publisher *DataPublisher
	queue     *workQueue[[]byte]
	metrics   *Metrics
	log       logging.LeveledLogger

	server *transport.TCP
	open   bool
}

// NewTCPDataPublisher creates a publisher. Call Open to start.
func NewTCPDataPublisher(config TCPPublisherConfig) (*TCPDataPublisher, error) {
	if config.ListenAddr == "" {
		config.ListenAddr = "0.0.0.0:0"
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

	p := &TCPDataPublisher{
		config:    config,
		publisher: publisher,
		queue:     newWorkQueue[[]byte](config.QueueSize),
		metrics:   config.Metrics,
	}

	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("pubsub-tcp-publisher")
	}

	publisher.OnReady(func(string) {
		if p.open {
			p.queue.activate(p.write)
		}
	})

	return p, nil
}

// Publisher returns the DataPublisher advertising the connection.
func (p *TCPDataPublisher) Publisher() *DataPublisher { return p.publisher }

// Addr returns the listening address, or nil before Open.
func (p *TCPDataPublisher) Addr() net.Addr {
	if p.server == nil {
		return nil
	}
	return p.server.LocalAddr()
}

// Subscribers returns the number of connected subscribers.
func (p *TCPDataPublisher) Subscribers() int {
	if p.server == nil {
		return 0
	}
	return p.server.Subscribers()
}

// Open starts listening and publishes the connection details as
// serviceName.
func (p *TCPDataPublisher) Open(serviceName string) error {
	if p.open {
		return ErrAlreadyOpen
	}

	n, err := hostNet(p.config.Net)
	if err != nil {
		return err
	}

	server, err := transport.NewTCP(transport.TCPConfig{
		Net:        n,
		Listener:   p.config.Listener,
		ListenAddr: p.config.ListenAddr,
		OnSubscribersChanged: func(count int) {
			if p.log != nil {
				p.log.Infof("%d subscribers", count)
			}
			p.metrics.setSubscribers(count)
		},
		LoggerFactory: p.config.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("tcp publisher: listen: %w", err)
	}

	port := server.Port()
	if port == 0 {
		server.Stop()
		return fmt.Errorf("tcp publisher: %w: listener has no TCP port", transport.ErrInvalidAddress)
	}

	p.publisher.SetPort(uint16(port))
	err = p.publisher.SetTransport(transport.ModeTCP)
	if err == nil && p.config.Host != "" {
		err = p.publisher.SetHost(p.config.Host)
	}
	if err == nil {
		err = server.Start()
	}
	if err != nil {
		server.Stop()
		return err
	}

	p.server = server
	p.open = true
	if err := p.publisher.Publish(serviceName); err != nil {
		p.open = false
		p.server = nil
		server.Stop()
		return err
	}
	return nil
}

// Send queues data for every subscriber. While nobody is connected the
// data is dropped and Send returns nil.
func (p *TCPDataPublisher) Send(ctx context.Context, data []byte) error {
	if p.Subscribers() == 0 {
		p.metrics.dropped()
		return nil
	}
	return p.queue.put(ctx, data)
}

func (p *TCPDataPublisher) write(data []byte) {
	sent, err := p.server.Broadcast(data)
	if err != nil {
		if p.log != nil {
			p.log.Warnf("broadcast: %v", err)
		}
		p.metrics.sendFailure()
	}
	if sent > 0 {
		p.metrics.sent()
	}
}

// Close stops the worker, withdraws the registration and closes every
// connection.
func (p *TCPDataPublisher) Close() error {
	if !p.open {
		return nil
	}
	p.open = false

	err := p.queue.deactivate()
	p.publisher.Close()
	err = multierr.Append(err, p.server.Stop())
	return err
}
