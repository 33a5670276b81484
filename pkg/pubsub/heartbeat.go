package pubsub

import (
	"bytes"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// Heartbeat messages sent by subscribers to a publisher's heartbeat port.
const (
	HeartbeatHello = "HI"
	HeartbeatBye   = "BYE"
)

// Heartbeat timing defaults.
const (
	DefaultHeartbeatInterval  = 2 * time.Second
	DefaultHeartbeatStaleness = 60 * time.Second
	DefaultSweepInterval      = 5 * time.Second
)

// EncodeHeartbeat returns msg as a NUL-terminated datagram.
func EncodeHeartbeat(msg string) []byte {
	b := make([]byte, len(msg)+1)
	copy(b, msg)
	return b
}

// DecodeHeartbeat returns the text of a heartbeat datagram up to the first
// NUL.
func DecodeHeartbeat(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// HeartbeatConfig holds configuration for a HeartbeatTracker.
type HeartbeatConfig struct {
	// Clock supplies timestamps. If nil, the wall clock is used.
	Clock clock.Clock

	// Staleness is how long a client stays known without a heartbeat.
	// If zero, DefaultHeartbeatStaleness is used.
	Staleness time.Duration

	// SweepInterval is how often an owner should call Sweep.
	// If zero, DefaultSweepInterval is used.
	SweepInterval time.Duration

	// OnActiveChanged is called, outside the tracker's lock, when the
	// tracker goes from no clients to some (true) or back (false).
	OnActiveChanged func(active bool)

	// Metrics is optional.
	Metrics *Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// HeartbeatTracker records which subscribers are alive. It is safe for
// concurrent use.
type HeartbeatTracker struct {
	clock         clock.Clock
	staleness     time.Duration
	sweepInterval time.Duration
	onChange      func(bool)
	metrics       *Metrics
	log           logging.LeveledLogger

	mu      sync.Mutex
	clients map[string]time.Time
}

// NewHeartbeatTracker creates an empty tracker.
func NewHeartbeatTracker(config HeartbeatConfig) *HeartbeatTracker {
	h := &HeartbeatTracker{
		clock:         config.Clock,
		staleness:     config.Staleness,
		sweepInterval: config.SweepInterval,
		onChange:      config.OnActiveChanged,
		metrics:       config.Metrics,
		clients:       make(map[string]time.Time),
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.staleness == 0 {
		h.staleness = DefaultHeartbeatStaleness
	}
	if h.sweepInterval == 0 {
		h.sweepInterval = DefaultSweepInterval
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("pubsub-heartbeat")
	}
	return h
}

// SweepInterval returns the configured sweep interval.
func (h *HeartbeatTracker) SweepInterval() time.Duration { return h.sweepInterval }

// Staleness returns the configured staleness window.
func (h *HeartbeatTracker) Staleness() time.Duration { return h.staleness }

// Handle applies one heartbeat datagram from addr. "HI" adds or refreshes
// the client and "BYE" removes it; anything else is ignored.
func (h *HeartbeatTracker) Handle(data []byte, addr net.Addr) {
	if addr == nil {
		return
	}
	key := addr.String()
	msg := DecodeHeartbeat(data)

	h.mu.Lock()
	before := len(h.clients)
	switch msg {
	case HeartbeatHello:
		h.clients[key] = h.clock.Now()
	case HeartbeatBye:
		delete(h.clients, key)
	default:
		h.mu.Unlock()
		if h.log != nil {
			h.log.Warnf("unknown heartbeat %q from %s", msg, key)
		}
		return
	}
	after := len(h.clients)
	h.mu.Unlock()

	if h.log != nil {
		h.log.Debugf("%s from %s, %d clients", msg, key, after)
	}
	h.changed(before, after)
}

// Sweep forgets clients not heard from within the staleness window and
// returns how many were forgotten.
func (h *HeartbeatTracker) Sweep() int {
	h.mu.Lock()
	before := len(h.clients)
	limit := h.clock.Now().Add(-h.staleness)
	for key, seen := range h.clients {
		if !seen.After(limit) {
			if h.log != nil {
				h.log.Debugf("forgetting %s", key)
			}
			delete(h.clients, key)
		}
	}
	after := len(h.clients)
	h.mu.Unlock()

	h.changed(before, after)
	return before - after
}

func (h *HeartbeatTracker) changed(before, after int) {
	h.metrics.setSubscribers(after)
	if h.onChange == nil {
		return
	}
	if before == 0 && after > 0 {
		h.onChange(true)
	} else if before > 0 && after == 0 {
		h.onChange(false)
	}
}

// Active reports whether any client is known.
func (h *HeartbeatTracker) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

// Clients returns the known client addresses, sorted.
func (h *HeartbeatTracker) Clients() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.clients))
	for key := range h.clients {
		out = append(out, key)
	}
	h.mu.Unlock()

	sort.Strings(out)
	return out
}

// Clear forgets every client.
func (h *HeartbeatTracker) Clear() {
	h.mu.Lock()
	before := len(h.clients)
	h.clients = make(map[string]time.Time)
	h.mu.Unlock()

	h.changed(before, 0)
}
