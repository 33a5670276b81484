package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
	"go.uber.org/multierr"
)

// NetworkCondition configures loss simulation on a Pipe.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64
}

// Pipe connects two datagram endpoints in memory. It wraps pion's
// test.Bridge; a background goroutine delivers queued packets until
// auto-processing is switched off, after which Process delivers them.
type Pipe struct {
	bridge *test.Bridge

	mu          sync.RWMutex
	condition   NetworkCondition
	closed      bool
	rng         *rand.Rand
	autoProcess bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	p := &Pipe{
		bridge:      test.NewBridge(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess: true,
		stopCh:      make(chan struct{}),
	}
	p.startAutoProcess()
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables background delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// SetCondition configures loss simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Process delivers all queued packets and returns how many were delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.bridge.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// PacketConns returns the two endpoints as PacketConns. Endpoint 0 reports
// addr0 as its local address and endpoint 1 reports addr1; each sees the
// other as the source of everything it reads.
func (p *Pipe) PacketConns(addr0, addr1 net.Addr) (net.PacketConn, net.PacketConn) {
	if addr0 == nil {
		addr0 = PipeAddr{ID: 0}
	}
	if addr1 == nil {
		addr1 = PipeAddr{ID: 1}
	}
	c0 := &PipePacketConn{conn: p.bridge.GetConn0(), local: addr0, peer: addr1, pipe: p}
	c1 := &PipePacketConn{conn: p.bridge.GetConn1(), local: addr1, peer: addr0, pipe: p}
	return c0, c1
}

// Close closes both endpoints and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	return multierr.Combine(
		p.bridge.GetConn0().Close(),
		p.bridge.GetConn1().Close(),
	)
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int
	Port int
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn is one end of a Pipe as a net.PacketConn. WriteTo ignores
// its address since the pipe has only one peer.
type PipePacketConn struct {
	conn  net.Conn
	local net.Addr
	peer  net.Addr
	pipe  *Pipe
}

// ReadFrom reads a packet from the pipe.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peer, err
}

// WriteTo writes a packet to the pipe, subject to the pipe's condition.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.pipe.mu.RLock()
	cond := c.pipe.condition
	drop := cond.DropRate > 0 && c.pipe.rng.Float64() < cond.DropRate
	dup := cond.DuplicateRate > 0 && c.pipe.rng.Float64() < cond.DuplicateRate
	c.pipe.mu.RUnlock()

	if drop {
		return len(b), nil
	}
	if dup {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes this end of the pipe.
func (c *PipePacketConn) Close() error { return c.conn.Close() }

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr { return c.local }

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.PacketConn = (*PipePacketConn)(nil)
