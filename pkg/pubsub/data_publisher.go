package pubsub

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/backkem/sidecar/pkg/signal"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// Publish retry defaults.
const (
	DefaultPublishDelay    = time.Second
	DefaultPublishJitter   = time.Second
	DefaultPublishInterval = 5 * time.Second
)

// DataPublisherConfig holds configuration for a DataPublisher.
type DataPublisherConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon discovery.Daemon

	// Reactor drives discovery replies and retry timers. Required.
	Reactor *reactor.Reactor

	// Type is the service type to register, usually from Kind.MakeType.
	Type string

	// Domain to register in. If empty, the default domain is used.
	Domain string

	// Interface index to register on; 0 means all interfaces.
	Interface uint32

	// Port is the advertised data port.
	Port uint16

	// Retry supplies the delays between registration attempts. If nil, a
	// constant DefaultPublishInterval is used. backoff.Stop ends retrying.
	Retry backoff.BackOff

	// Jitter bounds the random delay added to the first attempt so that
	// many publishers starting together do not register at once.
	// If zero, DefaultPublishJitter is used; negative disables it.
	Jitter time.Duration

	// Metrics is optional.
	Metrics *Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DataPublisher advertises the connection details of a data producer. It
// keeps trying to register until the daemon confirms, then reports ready.
// A later name conflict sets the status and re-arms the retry timer while
// data keeps flowing.
//
// DataPublisher is reactor-bound; only its Status may be read from other
// goroutines.
type DataPublisher struct {
	reactor   *reactor.Reactor
	publisher *discovery.Publisher
	retry     backoff.BackOff
	jitter    time.Duration
	rand      *rand.Rand
	metrics   *Metrics

	serviceName string
	timer       reactor.TimerID
	armed       bool
	ready       bool
	closed      bool

	status      Status
	readySignal signal.Signal[string]
	log         logging.LeveledLogger
}

// NewDataPublisher creates a DataPublisher. Call Publish to start.
func NewDataPublisher(config DataPublisherConfig) (*DataPublisher, error) {
	if config.Reactor == nil {
		return nil, ErrNoReactor
	}

	publisher, err := discovery.NewPublisher(discovery.PublisherConfig{
		Daemon:        config.Daemon,
		Monitor:       discovery.NewReactorMonitor(config.Reactor, config.LoggerFactory),
		Type:          config.Type,
		Domain:        config.Domain,
		Interface:     config.Interface,
		Port:          config.Port,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	retry := config.Retry
	if retry == nil {
		retry = backoff.NewConstantBackOff(DefaultPublishInterval)
	}
	jitter := config.Jitter
	if jitter == 0 {
		jitter = DefaultPublishJitter
	}

	p := &DataPublisher{
		reactor:   config.Reactor,
		publisher: publisher,
		retry:     retry,
		jitter:    jitter,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:   config.Metrics,
	}

	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("pubsub-publisher")
	}
	publisher.OnPublished(p.publishedChanged)

	return p, nil
}

// Publisher returns the underlying DNS-SD publisher.
func (p *DataPublisher) Publisher() *discovery.Publisher { return p.publisher }

// ServiceName returns the requested name, or the confirmed one once the
// daemon renamed the service.
func (p *DataPublisher) ServiceName() string { return p.serviceName }

// Status returns the operator-visible status.
func (p *DataPublisher) Status() *Status { return &p.status }

// IsReady reports whether a registration was confirmed since Publish.
func (p *DataPublisher) IsReady() bool { return p.ready }

// OnReady connects fn to the ready signal, emitted with the confirmed
// service name each time a registration is confirmed.
func (p *DataPublisher) OnReady(fn func(serviceName string)) *signal.Connection {
	return p.readySignal.Connect(fn)
}

// SetPort changes the advertised port used by the next attempt.
func (p *DataPublisher) SetPort(port uint16) { p.publisher.SetPort(port) }

// SetType changes the service type used by the next attempt.
func (p *DataPublisher) SetType(typ string) { p.publisher.SetType(typ) }

// SetTextData sets one TXT entry, posting it right away when the service is
// already published.
func (p *DataPublisher) SetTextData(key, value string) error {
	return p.publisher.SetTextData(key, value, p.publisher.IsPublished())
}

// SetHost advertises host as the address clients should connect to.
func (p *DataPublisher) SetHost(host string) error {
	return p.SetTextData(discovery.TXTKeyHost, host)
}

// SetTransport advertises the data transport.
func (p *DataPublisher) SetTransport(mode transport.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: %v", transport.ErrUnknownTransport, mode)
	}
	return p.SetTextData(discovery.TXTKeyTransport, mode.String())
}

// Publish registers the service as serviceName. The first attempt is made
// after a short random delay; attempts repeat until one is confirmed.
func (p *DataPublisher) Publish(serviceName string) error {
	if p.log != nil {
		p.log.Infof("publishing %s type %s", serviceName, p.publisher.Type())
	}

	p.serviceName = serviceName
	p.ready = false
	p.closed = false
	p.retry.Reset()

	delay := DefaultPublishDelay
	if p.jitter > 0 {
		delay += time.Duration(p.rand.Int63n(int64(p.jitter)))
	}
	return p.arm(delay)
}

func (p *DataPublisher) arm(delay time.Duration) error {
	p.disarm()

	id, err := p.reactor.Schedule(delay, 0, p.attempt)
	if err != nil {
		return fmt.Errorf("data publisher: schedule publish: %w", err)
	}
	p.timer = id
	p.armed = true
	return nil
}

func (p *DataPublisher) disarm() {
	if p.armed {
		p.reactor.Cancel(p.timer)
		p.armed = false
	}
}

func (p *DataPublisher) attempt() {
	p.armed = false
	if p.closed {
		return
	}

	p.metrics.publishAttempt()
	if err := p.publisher.Publish(p.serviceName, false); err != nil {
		if p.log != nil {
			p.log.Errorf("failed to publish %s: %v", p.serviceName, err)
		}
		p.metrics.publishFailure()
		p.status.Set(StatusPublishFailed, true)
	}

	next := p.retry.NextBackOff()
	if next == backoff.Stop {
		if p.log != nil {
			p.log.Warnf("giving up publishing %s", p.serviceName)
		}
		return
	}
	if err := p.arm(next); err != nil && p.log != nil {
		p.log.Errorf("%v", err)
	}
}

func (p *DataPublisher) publishedChanged(published bool) {
	if p.closed {
		return
	}

	if !published {
		if p.log != nil {
			p.log.Warnf("name conflict for %s", p.serviceName)
		}
		p.metrics.publishFailure()
		p.status.Set(StatusNameConflict, true)
		if !p.armed {
			p.retry.Reset()
			if err := p.arm(DefaultPublishDelay); err != nil && p.log != nil {
				p.log.Errorf("%v", err)
			}
		}
		return
	}

	if name := p.publisher.Name(); name != p.serviceName {
		if p.log != nil {
			p.log.Infof("service renamed from %s to %s", p.serviceName, name)
		}
		p.serviceName = name
	}

	p.disarm()
	p.status.Clear()
	p.ready = true
	p.readySignal.Emit(p.serviceName)
}

// Close cancels pending attempts and withdraws the registration. A later
// Publish starts over.
func (p *DataPublisher) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.disarm()
	p.publisher.Stop()
	p.ready = false
}
