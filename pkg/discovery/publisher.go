package discovery

import (
	"errors"
	"fmt"
	"weak"

	"github.com/backkem/sidecar/pkg/signal"
	"github.com/pion/logging"
)

// PublisherConfig holds configuration for a Publisher.
type PublisherConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon Daemon

	// Monitor drives reply processing. Required.
	Monitor Monitor

	// Type is the service type, e.g. "_scPub._tcp" or "_scPub._tcp,_sub".
	Type string

	// Domain to register in. If empty, DefaultDomain is used.
	Domain string

	// Interface index to register on; 0 means all interfaces.
	Interface uint32

	// Port is the advertised service port.
	Port uint16

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Publisher registers one service instance with DNS-SD and keeps its TXT
// record current.
//
// A successful Publish only means the request was accepted. The daemon
// confirms (or rejects) the registration later; observers connected with
// OnPublished learn the outcome.
type Publisher struct {
	Transaction

	daemon    Daemon
	name      string
	typ       string
	domain    string
	iface     uint32
	port      uint16
	text      map[string]string
	published bool

	publishedSignal signal.Signal[bool]
	log             logging.LeveledLogger
}

// NewPublisher creates a Publisher.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.Daemon == nil {
		return nil, fmt.Errorf("publisher: %w", ErrNoDaemon)
	}
	if config.Monitor == nil {
		return nil, fmt.Errorf("publisher: %w", ErrNoMonitor)
	}

	domain := config.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	p := &Publisher{
		daemon: config.Daemon,
		typ:    config.Type,
		domain: domain,
		iface:  config.Interface,
		port:   config.Port,
		text:   make(map[string]string),
	}

	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("zeroconf-publisher")
	}
	p.Transaction = newTransaction(config.Monitor, p.log)

	return p, nil
}

// Name returns the registered name. After a daemon-side rename it holds the
// confirmed name.
func (p *Publisher) Name() string { return p.name }

// Type returns the service type.
func (p *Publisher) Type() string { return p.typ }

// Domain returns the registration domain.
func (p *Publisher) Domain() string { return p.domain }

// Interface returns the interface index.
func (p *Publisher) Interface() uint32 { return p.iface }

// Port returns the advertised port.
func (p *Publisher) Port() uint16 { return p.port }

// SetType changes the service type used by the next Publish.
func (p *Publisher) SetType(typ string) { p.typ = typ }

// SetDomain changes the domain used by the next Publish.
func (p *Publisher) SetDomain(domain string) {
	if domain == "" {
		domain = DefaultDomain
	}
	p.domain = domain
}

// SetInterface changes the interface used by the next Publish.
func (p *Publisher) SetInterface(iface uint32) { p.iface = iface }

// SetPort changes the port used by the next Publish.
func (p *Publisher) SetPort(port uint16) { p.port = port }

// TextData returns a copy of the TXT entries.
func (p *Publisher) TextData() map[string]string {
	out := make(map[string]string, len(p.text))
	for k, v := range p.text {
		out[k] = v
	}
	return out
}

// SetTextData adds or replaces one TXT entry. With postNow set and the
// publisher running, the updated record is sent to the daemon right away.
func (p *Publisher) SetTextData(key, value string, postNow bool) error {
	if err := ValidateTXTEntry(key, value); err != nil {
		return err
	}

	if p.log != nil {
		p.log.Debugf("adding to TXT record %s=%s", key, value)
	}
	p.text[key] = value

	if postNow {
		return p.PostTextData()
	}
	return nil
}

// RemoveTextData deletes one TXT entry. It does not post the record.
func (p *Publisher) RemoveTextData(key string) {
	delete(p.text, key)
}

// PostTextData sends the current TXT record to the daemon. It does nothing
// when the publisher is not running and fails with ErrNotPublished while
// the registration is unconfirmed.
func (p *Publisher) PostTextData() error {
	if !p.IsRunning() {
		return nil
	}
	if !p.published {
		return ErrNotPublished
	}

	buf, err := EncodeTXT(p.text)
	if err != nil {
		return err
	}
	if err := p.ref.UpdateRecord(buf); err != nil {
		return fmt.Errorf("publisher: update TXT record of %q: %w", p.name, err)
	}
	return nil
}

// Publish registers the service as name. A running registration is stopped
// first. When the daemon reports a name conflict synchronously and noRename
// is false, "name (2)", "name (3)", ... are tried until one is accepted.
func (p *Publisher) Publish(name string, noRename bool) error {
	if p.IsRunning() {
		p.Stop()
	}

	buf, err := EncodeTXT(p.text)
	if err != nil {
		return err
	}

	if p.log != nil {
		p.log.Infof("registering %s.%s %s port %d noRename=%v", name, p.typ, p.domain, p.port, noRename)
	}

	wp := weak.Make(p)
	cb := func(reply RegisterReply) {
		if p := wp.Value(); p != nil {
			p.processResponse(reply)
		}
	}

	counter := 1
	p.name = name
	for {
		ref, err := p.daemon.Register(RegisterRequest{
			Name:      p.name,
			Type:      p.typ,
			Domain:    p.domain,
			Interface: p.iface,
			Port:      p.port,
			Text:      buf,
			NoRename:  noRename,
		}, cb)
		if err == nil {
			p.started(ref, true)
			return nil
		}

		if !errors.Is(err, ErrNameConflict) || noRename {
			if p.log != nil {
				p.log.Errorf("%s failed to register: %v", p.name, err)
			}
			return fmt.Errorf("publisher: register %q: %w", p.name, err)
		}

		counter++
		p.name = fmt.Sprintf("%s (%d)", name, counter)
		if p.log != nil {
			p.log.Warnf("renaming to %s", p.name)
		}
	}
}

func (p *Publisher) processResponse(reply RegisterReply) {
	p.published = reply.Err == nil

	if p.published {
		if reply.Name != "" && reply.Name != p.name {
			if p.log != nil {
				p.log.Warnf("name conflict - new name is %s", reply.Name)
			}
			p.name = reply.Name
		}
		if reply.Type != "" {
			p.typ = reply.Type
		}
		if reply.Domain != "" {
			p.domain = reply.Domain
		}
	} else if p.log != nil {
		p.log.Warnf("registration of %s failed: %v", p.name, reply.Err)
	}

	p.publishedSignal.Emit(p.published)
}

// IsPublished reports whether the daemon confirmed the current
// registration.
func (p *Publisher) IsPublished() bool {
	return p.published && p.IsRunning()
}

// OnPublished connects fn to the published signal. fn receives true when a
// registration is confirmed and false when it fails.
func (p *Publisher) OnPublished(fn func(published bool)) *signal.Connection {
	return p.publishedSignal.Connect(fn)
}

// Stop withdraws the registration.
func (p *Publisher) Stop() bool {
	p.published = false
	return p.Transaction.Stop()
}
