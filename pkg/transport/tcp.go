package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"go.uber.org/multierr"
	"gopkg.in/tomb.v2"
)

// MaxFrameSize bounds a length-prefixed TCP frame.
const MaxFrameSize = 16 << 20

// WriteFrame writes data to w with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrMessageTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMessageTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// TCPConfig configures a TCP fan-out server.
type TCPConfig struct {
	// Net opens the listener when Listener is nil. If nil, the host network
	// stack is used.
	Net transport.Net

	// Listener is an optional pre-opened listener.
	Listener net.Listener

	// ListenAddr is used when Listener is nil. If empty, an ephemeral port
	// on all addresses is used.
	ListenAddr string

	// Handler receives the frames subscribers send. Optional.
	Handler DatagramHandler

	// OnSubscribersChanged receives the subscriber count whenever a
	// subscriber connects or goes away. Optional.
	OnSubscribersChanged func(count int)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TCP is a fan-out server: Broadcast writes a frame to every connected
// subscriber. Frames subscribers send go to the optional Handler.
type TCP struct {
	listener net.Listener
	handler  DatagramHandler
	onChange func(count int)
	log      logging.LeveledLogger

	// t supervises the accept loop and one reader per subscriber.
	t tomb.Tomb

	mu      sync.Mutex
	subs    map[net.Conn]*sync.Mutex
	started bool
	closed  bool
}

// NewTCP opens the listener. Accepting begins with Start.
func NewTCP(config TCPConfig) (*TCP, error) {
	s := &TCP{
		listener: config.Listener,
		handler:  config.Handler,
		onChange: config.OnSubscribersChanged,
		subs:     make(map[net.Conn]*sync.Mutex),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("transport-tcp")
	}
	if s.listener != nil {
		return s, nil
	}

	n := config.Net
	if n == nil {
		sn, err := stdnet.NewNet()
		if err != nil {
			return nil, err
		}
		n = sn
	}
	addr := config.ListenAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	tcpAddr, err := n.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	l, err := n.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		return nil, err
	}
	s.listener = l
	return s, nil
}

// Start launches the accept loop.
func (s *TCP) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.started:
		return ErrAlreadyStarted
	}
	s.started = true

	if s.log != nil {
		s.log.Debugf("accepting subscribers on %s", s.listener.Addr())
	}
	s.t.Go(s.accept)
	return nil
}

// Stop closes the listener and every subscriber, then waits for the
// readers. A second Stop returns ErrClosed.
func (s *TCP) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	started := s.started
	for conn := range s.subs {
		conn.Close()
	}
	s.subs = make(map[net.Conn]*sync.Mutex)
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugf("closing %s", s.listener.Addr())
	}

	s.t.Kill(nil)
	err := s.listener.Close()
	if started {
		s.t.Wait()
	}
	return err
}

// Broadcast writes data as one frame to each subscriber and returns the
// number of successful writes. A subscriber whose write fails is
// disconnected and its error is part of the returned error.
func (s *TCP) Broadcast(data []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	targets := make(map[net.Conn]*sync.Mutex, len(s.subs))
	for conn, wmu := range s.subs {
		targets[conn] = wmu
	}
	s.mu.Unlock()

	sent := 0
	var errs error
	for conn, wmu := range targets {
		wmu.Lock()
		err := WriteFrame(conn, data)
		wmu.Unlock()

		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", conn.RemoteAddr(), err))
			conn.Close()
			continue
		}
		sent++
	}
	return sent, errs
}

// Subscribers returns the number of connected subscribers.
func (s *TCP) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// LocalAddr returns the listening address.
func (s *TCP) LocalAddr() net.Addr { return s.listener.Addr() }

// Port returns the listening port, or 0 for a non-TCP address.
func (s *TCP) Port() int {
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (s *TCP) accept() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.t.Alive() || isClosedError(err) {
				return nil
			}
			if s.log != nil {
				s.log.Warnf("accept: %v", err)
			}
			continue
		}
		s.AddConnection(conn)
	}
}

// AddConnection adds an established connection as a subscriber, e.g. one
// end of net.Pipe.
func (s *TCP) AddConnection(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.subs[conn] = &sync.Mutex{}
	count := len(s.subs)
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugf("subscriber %s connected", conn.RemoteAddr())
	}
	if s.onChange != nil {
		s.onChange(count)
	}

	s.t.Go(func() error {
		s.serve(conn)
		return nil
	})
}

func (s *TCP) serve(conn net.Conn) {
	defer s.drop(conn)

	for {
		data, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if s.handler != nil {
			s.handler(&Datagram{Data: data, From: conn.RemoteAddr(), Mode: ModeTCP})
		}
	}
}

func (s *TCP) drop(conn net.Conn) {
	conn.Close()

	s.mu.Lock()
	_, known := s.subs[conn]
	delete(s.subs, conn)
	count := len(s.subs)
	s.mu.Unlock()

	if !known {
		return
	}
	if s.log != nil {
		s.log.Debugf("subscriber %s disconnected", conn.RemoteAddr())
	}
	if s.onChange != nil {
		s.onChange(count)
	}
}
