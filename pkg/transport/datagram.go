package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/transport/v3"
)

// MaxDatagramSize is the largest UDP payload carried over IPv4.
const MaxDatagramSize = 65507

// Mode is how a publisher delivers data. Its String form is the value of
// the TXT "transport" entry.
type Mode uint8

// Delivery modes.
const (
	ModeUnknown Mode = iota
	ModeUDP
	ModeTCP
	ModeMulticast
)

var modeNames = map[Mode]string{
	ModeUDP:       "udp",
	ModeTCP:       "tcp",
	ModeMulticast: "multicast",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// IsValid reports whether m names a delivery mode.
func (m Mode) IsValid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode maps a TXT "transport" value to a Mode, ignoring case.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(s)
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeUnknown, fmt.Errorf("%w: %q", ErrUnknownTransport, s)
}

// Datagram is one message read by a UDP socket or one frame read from a
// TCP subscriber.
type Datagram struct {
	Data []byte
	From net.Addr
	Mode Mode
}

func (d *Datagram) String() string {
	return fmt.Sprintf("%d bytes from %s/%v", len(d.Data), d.Mode, d.From)
}

// DatagramHandler receives datagrams on the reading goroutine and must not
// block for long.
type DatagramHandler func(d *Datagram)

// ResolveUDPAddr resolves host and port through n, the way a subscriber
// reaches a resolved publisher's heartbeat port.
func ResolveUDPAddr(n transport.Net, host string, port uint16) (*net.UDPAddr, error) {
	addr, err := n.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return addr, nil
}
