package pubsub

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/signal"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
)

// DefaultBrowseJitter bounds the random delay before a DataSubscriber
// starts browsing.
const DefaultBrowseJitter = 3 * time.Second

// ProcessingState is the state a consumer asks its data source to be in.
type ProcessingState uint8

// Processing states.
const (
	ProcessingStopped ProcessingState = iota
	ProcessingRunning
)

// String returns the state name.
func (s ProcessingState) String() string {
	switch s {
	case ProcessingStopped:
		return "stopped"
	case ProcessingRunning:
		return "running"
	default:
		return fmt.Sprintf("ProcessingState(%d)", uint8(s))
	}
}

// DataSubscriberConfig holds configuration for a DataSubscriber.
type DataSubscriberConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery replies and the start timer. Required.
	Reactor *reactor.Reactor

	// Type is the service type to browse, usually the twin of the
	// subscriber's own kind.
	Type string

	// ServiceName is the instance name of the publisher to follow.
	ServiceName string

	// Domain to browse. If empty, the default domain is used.
	Domain string

	// Interface index to browse on; 0 means all interfaces.
	Interface uint32

	// Jitter bounds the random delay before browsing starts.
	// If zero, DefaultBrowseJitter is used; negative disables it.
	Jitter time.Duration

	// Net is handed to discovered entries for interface name lookup.
	Net ptransport.Net

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DataSubscriber follows one named publisher. It browses for the
// publisher's type, resolves the matching entry and reports its connection
// details, and reports when it goes away.
//
// When several entries carry the target name, the one with the lowest
// interface index (then domain) is used; see Browser.EntryByName. The
// choice is re-evaluated on every found or lost batch, so a better entry
// announced later replaces the current one (observers see it lost, then
// the new one resolved) and losing the current entry falls back to the
// next best.
//
// DataSubscriber is reactor-bound; only its Status may be read from other
// goroutines.
type DataSubscriber struct {
	reactor *reactor.Reactor
	browser *discovery.Browser
	jitter  time.Duration
	rand    *rand.Rand

	serviceName  string
	service      *discovery.ServiceEntry
	resolvedConn *signal.Connection
	state        ProcessingState
	timer        reactor.TimerID
	armed        bool
	open         bool

	status         Status
	resolvedSignal signal.Signal[*discovery.ServiceEntry]
	lostSignal     signal.Signal[*discovery.ServiceEntry]
	log            logging.LeveledLogger
}

// NewDataSubscriber creates a DataSubscriber. Call Open to start.
func NewDataSubscriber(config DataSubscriberConfig) (*DataSubscriber, error) {
	if config.Reactor == nil {
		return nil, ErrNoReactor
	}

	browser, err := discovery.NewBrowser(discovery.BrowserConfig{
		Daemon: config.Daemon,
		MonitorFactory: &discovery.ReactorMonitorFactory{
			Reactor:       config.Reactor,
			LoggerFactory: config.LoggerFactory,
		},
		Type:          config.Type,
		Domain:        config.Domain,
		Interface:     config.Interface,
		Net:           config.Net,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	jitter := config.Jitter
	if jitter == 0 {
		jitter = DefaultBrowseJitter
	}

	s := &DataSubscriber{
		reactor:     config.Reactor,
		browser:     browser,
		jitter:      jitter,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		serviceName: config.ServiceName,
		state:       ProcessingRunning,
	}

	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("pubsub-subscriber")
	}

	browser.OnFound(s.foundEntries)
	browser.OnLost(s.lostEntries)

	return s, nil
}

// Browser returns the underlying browser.
func (s *DataSubscriber) Browser() *discovery.Browser { return s.browser }

// ServiceName returns the name of the publisher being followed.
func (s *DataSubscriber) ServiceName() string { return s.serviceName }

// SetServiceName changes the publisher to follow. It takes effect on the
// next RestartBrowser.
func (s *DataSubscriber) SetServiceName(name string) { s.serviceName = name }

// Entry returns the entry of the publisher in use, or nil.
func (s *DataSubscriber) Entry() *discovery.ServiceEntry { return s.service }

// Status returns the operator-visible status.
func (s *DataSubscriber) Status() *Status { return &s.status }

// OnResolved connects fn to the resolved signal, emitted with the entry of
// the followed publisher each time its details are resolved.
func (s *DataSubscriber) OnResolved(fn func(*discovery.ServiceEntry)) *signal.Connection {
	return s.resolvedSignal.Connect(fn)
}

// OnLost connects fn to the lost signal, emitted when the followed
// publisher goes away.
func (s *DataSubscriber) OnLost(fn func(*discovery.ServiceEntry)) *signal.Connection {
	return s.lostSignal.Connect(fn)
}

// Open starts browsing after a random delay.
func (s *DataSubscriber) Open() error {
	if s.open {
		return ErrAlreadyOpen
	}
	if s.log != nil {
		s.log.Infof("subscribing to %s type %s", s.serviceName, s.browser.Type())
	}

	var delay time.Duration
	if s.jitter > 0 {
		delay = time.Duration(s.rand.Int63n(int64(s.jitter)))
	}

	id, err := s.reactor.Schedule(delay, 0, s.startBrowser)
	if err != nil {
		return fmt.Errorf("data subscriber: schedule browse: %w", err)
	}
	s.timer = id
	s.armed = true
	s.open = true
	s.status.Set(StatusPreparingBrowse, false)
	return nil
}

func (s *DataSubscriber) startBrowser() {
	s.armed = false
	if !s.open {
		return
	}
	if err := s.browser.Start(); err != nil {
		if s.log != nil {
			s.log.Errorf("failed to start browser: %v", err)
		}
		s.status.Set(StatusBrowseFailed, true)
		return
	}
	if s.service == nil {
		s.status.Set(StatusNotConnected, true)
	}
	s.follow()
}

// RestartBrowser forgets the current publisher and browses again.
func (s *DataSubscriber) RestartBrowser() error {
	if !s.open {
		return ErrNotOpen
	}
	s.release()
	if err := s.browser.Start(); err != nil {
		s.status.Set(StatusBrowseFailed, true)
		return err
	}
	s.status.Set(StatusNotConnected, true)
	s.follow()
	return nil
}

func (s *DataSubscriber) dropService() {
	s.resolvedConn.Disconnect()
	s.resolvedConn = nil
	s.service = nil
}

// release drops the current publisher and tells observers it is gone.
func (s *DataSubscriber) release() {
	e := s.service
	if e == nil {
		return
	}
	s.dropService()
	s.lostSignal.Emit(e)
}

// follow switches to the preferred entry named serviceName among
// everything the browser currently knows, so the choice does not depend
// on the order in which instances were announced.
func (s *DataSubscriber) follow() {
	best := s.browser.EntryByName(s.serviceName)
	if best == s.service {
		return
	}
	if s.service != nil && s.log != nil {
		s.log.Infof("leaving %s on interface %d", s.service.Name(), s.service.Interface())
	}
	s.release()
	if best == nil {
		s.status.Set(StatusNotConnected, true)
		return
	}

	if s.log != nil {
		s.log.Infof("found publisher %s on interface %d", best.Name(), best.Interface())
	}

	s.service = best
	s.resolvedConn = best.OnResolved(s.resolved)
	s.status.Set(StatusPublisherFound, false)

	if err := best.Resolve(false); err != nil {
		if s.log != nil {
			s.log.Errorf("failed to resolve %s: %v", best.Name(), err)
		}
		s.status.Set(StatusResolveFailed, true)
	}
}

func (s *DataSubscriber) foundEntries([]*discovery.ServiceEntry) {
	s.follow()
}

func (s *DataSubscriber) lostEntries(entries []*discovery.ServiceEntry) {
	for _, e := range entries {
		if e != s.service {
			continue
		}
		if s.log != nil {
			s.log.Infof("lost publisher %s", e.Name())
		}
		s.release()
		s.follow()
		if s.service == nil {
			s.status.Set(StatusNotConnected, true)
		}
		return
	}
}

func (s *DataSubscriber) resolved(entry *discovery.ServiceEntry) {
	if entry != s.service {
		return
	}
	if !entry.IsResolved() {
		s.status.Set(StatusResolveFailed, true)
		return
	}

	r := entry.ResolvedEntry()
	if s.log != nil {
		s.log.Infof("resolved %s to %s:%d", entry.Name(), r.Host(), r.Port())
	}
	s.status.Clear()
	s.resolvedSignal.Emit(entry)
}

// ProcessingState returns the last accepted processing state.
func (s *DataSubscriber) ProcessingState() ProcessingState { return s.state }

// SetProcessingState records the state the consumer wants. It fails with
// ErrNotConnected while no publisher is followed.
func (s *DataSubscriber) SetProcessingState(state ProcessingState) error {
	if s.service == nil {
		s.status.Set(StatusNotConnected, true)
		return ErrNotConnected
	}
	s.state = state
	return nil
}

// Close stops browsing and forgets the publisher.
func (s *DataSubscriber) Close() {
	if !s.open {
		return
	}
	s.open = false
	if s.armed {
		s.reactor.Cancel(s.timer)
		s.armed = false
	}
	s.dropService()
	s.browser.Stop()
}
