package pubsub

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

// DefaultConnectRetryInterval is the delay between attempts to open the
// data socket of a resolved publisher.
const DefaultConnectRetryInterval = time.Second

// MulticastSubscriberConfig holds configuration for a
// MulticastDataSubscriber.
type MulticastSubscriberConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery and the heartbeat timer. Required.
	Reactor *reactor.Reactor

	// Net opens sockets. If nil, the host network stack is used.
	Net ptransport.Net

	// Key is the data kind to subscribe to.
	Key string

	// ServiceName is the instance name of the publisher to follow.
	ServiceName string

	// Interface index to browse and join the group on; 0 means any.
	Interface uint32

	// Jitter bounds the random delay before browsing starts.
	Jitter time.Duration

	// HeartbeatInterval is the delay between "HI" datagrams.
	// If zero, DefaultHeartbeatInterval is used.
	HeartbeatInterval time.Duration

	// RetryInterval is the delay between attempts to open the data socket.
	// If zero, DefaultConnectRetryInterval is used.
	RetryInterval time.Duration

	// BufferSize sets the receive buffer of the data socket when positive.
	BufferSize int

	// Listen opens the data socket for the group address. If nil, a UDP
	// socket is bound to the group port and joins the group.
	Listen func(group *net.UDPAddr) (net.PacketConn, error)

	// HeartbeatConn is an optional pre-opened socket for heartbeats.
	HeartbeatConn net.PacketConn

	// Handler receives each data datagram on the reader goroutine.
	// Required.
	Handler func(data []byte)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// MulticastDataSubscriber receives the data of one MulticastDataPublisher.
// It follows the publisher with a DataSubscriber, joins its group once
// resolved and keeps it sending with periodic "HI" heartbeats. A "BYE" is
// sent when the subscriber stops reading.
//
// MulticastDataSubscriber is reactor-bound.
type MulticastDataSubscriber struct {
	config     MulticastSubscriberConfig
	reactor    *reactor.Reactor
	subscriber *DataSubscriber
	net        ptransport.Net
	log        logging.LeveledLogger

	reader   *transport.UDP
	hbWriter *transport.UDP
	address  *net.UDPAddr
	hbAddr   *net.UDPAddr
	timer    reactor.TimerID
	armed    bool
	open     bool
}

// NewMulticastDataSubscriber creates a subscriber. Call Open to start.
func NewMulticastDataSubscriber(config MulticastSubscriberConfig) (*MulticastDataSubscriber, error) {
	if config.Handler == nil {
		return nil, transport.ErrNoHandler
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = DefaultConnectRetryInterval
	}

	typ, err := KindSubscriber.MakeTwinType(config.Key)
	if err != nil {
		return nil, err
	}

	n, err := hostNet(config.Net)
	if err != nil {
		return nil, err
	}

	subscriber, err := NewDataSubscriber(DataSubscriberConfig{
		Daemon:        config.Daemon,
		Reactor:       config.Reactor,
		Type:          typ,
		ServiceName:   config.ServiceName,
		Interface:     config.Interface,
		Jitter:        config.Jitter,
		Net:           n,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s := &MulticastDataSubscriber{
		config:     config,
		reactor:    config.Reactor,
		subscriber: subscriber,
		net:        n,
	}

	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("pubsub-multicast-subscriber")
	}

	subscriber.OnResolved(s.resolvedService)
	subscriber.OnLost(func(*discovery.ServiceEntry) { s.lostService() })

	return s, nil
}

// Subscriber returns the DataSubscriber following the publisher.
func (s *MulticastDataSubscriber) Subscriber() *DataSubscriber { return s.subscriber }

// Status returns the operator-visible status.
func (s *MulticastDataSubscriber) Status() *Status { return s.subscriber.Status() }

// IsReading reports whether the data socket is open.
func (s *MulticastDataSubscriber) IsReading() bool { return s.reader != nil }

// Open starts following the publisher.
func (s *MulticastDataSubscriber) Open() error {
	if s.open {
		return ErrAlreadyOpen
	}

	hb, err := transport.NewUDP(transport.UDPConfig{
		Net:           s.net,
		Conn:          s.config.HeartbeatConn,
		ListenAddr:    "0.0.0.0:0",
		Handler:       func(*transport.Datagram) {},
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("multicast subscriber: open heartbeat writer: %w", err)
	}

	if err := s.subscriber.Open(); err != nil {
		hb.Stop()
		return err
	}
	s.hbWriter = hb
	s.open = true
	return nil
}

func (s *MulticastDataSubscriber) resolvedService(entry *discovery.ServiceEntry) {
	s.stopReader()
	s.stopTimer()
	s.address = nil

	r := entry.ResolvedEntry()
	address, err := transport.ResolveUDPAddr(s.net, r.DialHost(), r.Port())
	if err != nil {
		if s.log != nil {
			s.log.Errorf("invalid address %s/%d: %v", r.DialHost(), r.Port(), err)
		}
		s.subscriber.Status().Set(StatusConnectionFailed, true)
		return
	}

	hbAddr, err := s.heartbeatAddr(r)
	if err != nil {
		if s.log != nil {
			s.log.Errorf("no heartbeat address for %s: %v", entry.Name(), err)
		}
		s.subscriber.Status().Set(StatusConnectionFailed, true)
		return
	}

	if s.log != nil {
		s.log.Infof("publisher %s sends to %s, heartbeats to %s", entry.Name(), address, hbAddr)
	}
	s.address = address
	s.hbAddr = hbAddr

	if s.subscriber.ProcessingState() == ProcessingRunning {
		s.attemptConnection()
	}
}

func (s *MulticastDataSubscriber) heartbeatAddr(r *discovery.ResolvedEntry) (*net.UDPAddr, error) {
	text, ok := r.TextEntry(discovery.TXTKeyHeartBeatPort)
	if !ok {
		return nil, ErrMissingHeartbeatPort
	}
	port, err := strconv.ParseUint(text, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingHeartbeatPort, text)
	}
	return transport.ResolveUDPAddr(s.net, r.NativeDialHost(), uint16(port))
}

func (s *MulticastDataSubscriber) lostService() {
	if s.log != nil {
		s.log.Infof("publisher %s lost", s.subscriber.ServiceName())
	}
	s.stopReader()
	s.stopTimer()
	s.address = nil
}

func (s *MulticastDataSubscriber) attemptConnection() {
	if !s.open || s.reader != nil || s.address == nil || s.subscriber.Entry() == nil {
		return
	}

	reader, err := s.openReader(s.address)
	if err != nil {
		if s.log != nil {
			s.log.Errorf("failed to join %s: %v", s.address, err)
		}
		s.subscriber.Status().Set(StatusConnectionFailed, true)
		s.startTimer(s.config.RetryInterval)
		return
	}

	s.reader = reader
	s.subscriber.Status().Clear()
	s.sendHeartbeat(HeartbeatHello)
	s.startTimer(s.config.HeartbeatInterval)
}

func (s *MulticastDataSubscriber) openReader(group *net.UDPAddr) (*transport.UDP, error) {
	var conn net.PacketConn
	var err error
	if s.config.Listen != nil {
		conn, err = s.config.Listen(group)
	} else {
		conn, err = s.listenGroup(group)
	}
	if err != nil {
		return nil, err
	}

	reader, err := transport.NewUDP(transport.UDPConfig{
		Conn: conn,
		Handler: func(d *transport.Datagram) {
			s.config.Handler(d.Data)
		},
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := reader.Start(); err != nil {
		reader.Stop()
		return nil, err
	}
	return reader, nil
}

func (s *MulticastDataSubscriber) listenGroup(group *net.UDPAddr) (net.PacketConn, error) {
	conn, err := s.net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return nil, err
	}

	uc, ok := conn.(*net.UDPConn)
	if !ok {
		return conn, nil
	}
	if s.config.BufferSize > 0 {
		if err := uc.SetReadBuffer(s.config.BufferSize); err != nil && s.log != nil {
			s.log.Warnf("failed to set receive buffer to %d: %v", s.config.BufferSize, err)
		}
	}
	if !group.IP.IsMulticast() {
		return conn, nil
	}

	var ifi *net.Interface
	if s.config.Interface != 0 {
		found, err := s.net.InterfaceByIndex(int(s.config.Interface))
		if err != nil {
			conn.Close()
			return nil, err
		}
		ifi = &found.Interface
	}
	if err := ipv4.NewPacketConn(uc).JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *MulticastDataSubscriber) stopReader() {
	if s.reader == nil {
		return
	}
	if err := s.reader.Stop(); err != nil && s.log != nil {
		s.log.Warnf("closing data socket: %v", err)
	}
	s.reader = nil
	s.sendHeartbeat(HeartbeatBye)
}

func (s *MulticastDataSubscriber) sendHeartbeat(msg string) {
	if s.hbWriter == nil || s.hbAddr == nil {
		return
	}
	if err := s.hbWriter.Send(EncodeHeartbeat(msg), s.hbAddr); err != nil && s.log != nil {
		s.log.Errorf("failed to send %s to %s: %v", msg, s.hbAddr, err)
	}
}

func (s *MulticastDataSubscriber) startTimer(interval time.Duration) {
	s.stopTimer()
	id, err := s.reactor.Schedule(interval, interval, s.timeout)
	if err != nil {
		if s.log != nil {
			s.log.Errorf("failed to schedule timer: %v", err)
		}
		return
	}
	s.timer = id
	s.armed = true
}

func (s *MulticastDataSubscriber) stopTimer() {
	if s.armed {
		s.reactor.Cancel(s.timer)
		s.armed = false
	}
}

func (s *MulticastDataSubscriber) timeout() {
	if !s.open {
		s.stopTimer()
		return
	}
	if s.reader == nil {
		s.attemptConnection()
		return
	}
	s.sendHeartbeat(HeartbeatHello)
}

// SetProcessingState starts reading for ProcessingRunning and stops for
// anything else. It fails with ErrNotConnected while no publisher is
// followed.
func (s *MulticastDataSubscriber) SetProcessingState(state ProcessingState) error {
	if err := s.subscriber.SetProcessingState(state); err != nil {
		return err
	}
	if state == ProcessingRunning {
		s.attemptConnection()
		return nil
	}
	s.stopReader()
	s.stopTimer()
	return nil
}

// Close stops reading, says goodbye and stops following the publisher.
func (s *MulticastDataSubscriber) Close() error {
	if !s.open {
		return nil
	}
	s.stopTimer()
	s.stopReader()
	s.open = false
	s.subscriber.Close()

	var err error
	if s.hbWriter != nil {
		err = multierr.Append(err, s.hbWriter.Stop())
		s.hbWriter = nil
	}
	return err
}
