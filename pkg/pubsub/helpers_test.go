package pubsub

import (
	"net"
	"testing"
	"time"

	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// newTestReactor returns a reactor on a mock clock. Tests drive it from
// their own goroutine with pollUntil, so reactor-bound objects need no
// extra locking in tests.
func newTestReactor(t *testing.T) (*reactor.Reactor, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	r := reactor.New(reactor.Config{Clock: mock})
	t.Cleanup(func() { r.Close() })
	return r, mock
}

// pollUntil polls r until cond holds. Mock clock callbacks and daemon
// replies reach the reactor from other goroutines, so a single Poll is not
// enough.
func pollUntil(t *testing.T, r *reactor.Reactor, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.Poll()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

// settle polls r for a short while to let stray events through.
func settle(r *reactor.Reactor) {
	deadline := time.Now().Add(30 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Poll()
		time.Sleep(time.Millisecond)
	}
}

// readPacket reads one datagram from c, failing the test after a second.
func readPacket(t *testing.T, c net.PacketConn) ([]byte, net.Addr) {
	t.Helper()

	if err := c.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 1500)
	n, addr, err := c.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	return buf[:n], addr
}

// listenLoopback opens a UDP socket on an ephemeral loopback port.
func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()

	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
