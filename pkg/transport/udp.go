package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"gopkg.in/tomb.v2"
)

// UDPConfig configures a UDP socket.
type UDPConfig struct {
	// Net opens the socket when Conn is nil. If nil, the host network
	// stack is used.
	Net transport.Net

	// Conn is an optional pre-opened socket, e.g. a multicast group member
	// or one end of a Pipe.
	Conn net.PacketConn

	// ListenAddr is used when Conn is nil. If empty, an ephemeral port on
	// all addresses is used.
	ListenAddr string

	// Handler receives every datagram read. Required.
	Handler DatagramHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDP owns a PacketConn and reads it on a goroutine between Start and
// Stop. Heartbeat listeners, multicast readers and state collectors are
// built on it.
type UDP struct {
	conn    net.PacketConn
	handler DatagramHandler
	log     logging.LeveledLogger

	mu     sync.Mutex
	reader *tomb.Tomb
	closed bool
}

// NewUDP opens the socket. Reading begins with Start.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{conn: config.Conn, handler: config.Handler}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}
	if u.conn != nil {
		return u, nil
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
	conn, err := n.ListenPacket("udp4", addr)
	if err != nil {
		return nil, err
	}
	u.conn = conn
	return u, nil
}

// Start launches the reader.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.closed:
		return ErrClosed
	case u.reader != nil:
		return ErrAlreadyStarted
	}

	if u.log != nil {
		u.log.Debugf("reading %s", u.conn.LocalAddr())
	}
	u.reader = &tomb.Tomb{}
	u.reader.Go(u.read)
	return nil
}

// Stop closes the socket and waits for the reader to return. A second
// Stop returns ErrClosed.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	reader := u.reader
	u.mu.Unlock()

	if u.log != nil {
		u.log.Debugf("closing %s", u.conn.LocalAddr())
	}

	if reader != nil {
		reader.Kill(nil)
	}
	u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	if reader != nil {
		reader.Wait()
	}
	return err
}

// Send writes one datagram to addr.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case addr == nil:
		return ErrInvalidAddress
	case len(data) > MaxDatagramSize:
		return ErrMessageTooLarge
	}

	if _, err := u.conn.WriteTo(data, addr); err != nil {
		if u.log != nil {
			u.log.Warnf("write to %v: %v", addr, err)
		}
		return err
	}
	if u.log != nil {
		u.log.Tracef("wrote %d bytes to %v", len(data), addr)
	}
	return nil
}

// LocalAddr returns the socket's local address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Port returns the local port, or 0 for a non-UDP address.
func (u *UDP) Port() int {
	if a, ok := u.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Conn returns the socket.
func (u *UDP) Conn() net.PacketConn { return u.conn }

func (u *UDP) read() error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := u.conn.ReadFrom(buf)
		if err != nil {
			if !u.reader.Alive() || isClosedError(err) {
				return nil
			}
			if u.log != nil {
				u.log.Warnf("read %s: %v", u.conn.LocalAddr(), err)
			}
			continue
		}
		if n == 0 {
			continue
		}

		d := &Datagram{Data: append([]byte(nil), buf[:n]...), From: from, Mode: ModeUDP}
		if u.log != nil {
			u.log.Tracef("read %s", d)
		}
		u.handler(d)
	}
}
