package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brutella/dnssd"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// DefaultProbeDelay is how long DNSSDDaemon waits for probing to settle
// before confirming a registration.
const DefaultProbeDelay = 2 * time.Second

// DNSSDLookupFunc browses for instances of a service type until ctx is done.
// dnssd.LookupType is the production implementation.
type DNSSDLookupFunc func(ctx context.Context, service string, add dnssd.AddFunc, rmv dnssd.RmvFunc) error

// DNSSDDaemonConfig holds configuration for a DNSSDDaemon.
type DNSSDDaemonConfig struct {
	// NewResponder creates the responder of each registration.
	// If nil, dnssd.NewResponder is used.
	NewResponder func() (dnssd.Responder, error)

	// LookupType browses and looks up instances.
	// If nil, dnssd.LookupType is used.
	LookupType DNSSDLookupFunc

	// Net maps between interface indices and names.
	// If nil, the host network stack is used.
	Net transport.Net

	// Clock drives the probe delay. If nil, the wall clock is used.
	Clock clock.Clock

	// ProbeDelay is the wait before a registration is confirmed.
	// If zero, DefaultProbeDelay is used.
	ProbeDelay time.Duration

	// LookupTimeout bounds a resolve of an instance not seen by a browse.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DNSSDDaemon implements Daemon on top of brutella/dnssd.
//
// Each registration runs its own responder. The responder renames the
// service when probing finds a conflict; the confirmed name is reported
// once the probe delay has passed, or the registration fails with
// ErrNameConflict when renaming was not allowed.
type DNSSDDaemon struct {
	newResponder  func() (dnssd.Responder, error)
	lookupType    DNSSDLookupFunc
	net           transport.Net
	clock         clock.Clock
	probeDelay    time.Duration
	lookupTimeout time.Duration
	log           logging.LeveledLogger

	mu    sync.Mutex
	cache map[string]dnssd.BrowseEntry
}

// NewDNSSDDaemon creates a DNSSDDaemon.
func NewDNSSDDaemon(config DNSSDDaemonConfig) (*DNSSDDaemon, error) {
	n := config.Net
	if n == nil {
		sn, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("dnssd daemon: %w", err)
		}
		n = sn
	}
	if config.NewResponder == nil {
		config.NewResponder = dnssd.NewResponder
	}
	if config.LookupType == nil {
		config.LookupType = dnssd.LookupType
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.ProbeDelay == 0 {
		config.ProbeDelay = DefaultProbeDelay
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	d := &DNSSDDaemon{
		newResponder:  config.NewResponder,
		lookupType:    config.LookupType,
		net:           n,
		clock:         config.Clock,
		probeDelay:    config.ProbeDelay,
		lookupTimeout: config.LookupTimeout,
		cache:         make(map[string]dnssd.BrowseEntry),
	}

	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("dnssd-daemon")
	}

	return d, nil
}

func cacheKey(name, typ, domain string) string {
	base, _ := SplitServiceType(typ)
	return strings.ToLower(name + "." + trimDot(base) + "." + trimDot(domain))
}

func (d *DNSSDDaemon) ifaceIndex(name string) uint32 {
	if name == "" {
		return 0
	}
	ifc, err := d.net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return uint32(ifc.Index)
}

// Register implements Daemon.
func (d *DNSSDDaemon) Register(req RegisterRequest, cb RegisterCallback) (ServiceRef, error) {
	text, err := DecodeTXT(req.Text)
	if err != nil {
		return nil, err
	}

	base, subtypes := SplitServiceType(req.Type)
	if len(subtypes) > 0 && d.log != nil {
		d.log.Warnf("sub-types %v of %s are not announced", subtypes, base)
	}

	name := req.Name
	if name == "" {
		name = defaultInstanceName()
	}
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	cfg := dnssd.Config{
		Name:   name,
		Type:   trimDot(base),
		Domain: trimDot(domain),
		Text:   text,
		Port:   int(req.Port),
	}
	if req.Interface != 0 {
		ifc, err := d.net.InterfaceByIndex(int(req.Interface))
		if err != nil {
			return nil, fmt.Errorf("interface %d: %w", req.Interface, err)
		}
		cfg.Ifaces = []string{ifc.Name}
	}

	srv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	rp, err := d.newResponder()
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS responder: %w", err)
	}
	handle, err := rp.Add(srv)
	if err != nil {
		return nil, fmt.Errorf("failed to add mDNS service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := newReplyQueue(
		func(buf []byte) error {
			text, err := DecodeTXT(buf)
			if err != nil {
				return err
			}
			handle.UpdateText(text, rp)
			return nil
		},
		cancel,
	)

	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			if d.log != nil {
				d.log.Warnf("responder for %s stopped: %v", name, err)
			}
			q.post(func() { cb(RegisterReply{Err: err}) })
		}
	}()

	go func() {
		timer := d.clock.Timer(d.probeDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		confirmed := handle.Service().Name
		if confirmed != name && req.NoRename {
			if d.log != nil {
				d.log.Warnf("%s is taken, withdrawing %s", name, confirmed)
			}
			rp.Remove(handle)
			cancel()
			q.post(func() { cb(RegisterReply{Err: ErrNameConflict}) })
			return
		}
		reply := RegisterReply{Name: confirmed, Type: req.Type, Domain: domain}
		q.post(func() { cb(reply) })
	}()

	return q, nil
}

// Browse implements Daemon. The library does not batch, so every reply is
// reported without MoreComing.
func (d *DNSSDDaemon) Browse(req BrowseRequest, cb BrowseCallback) (ServiceRef, error) {
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	service := BrowseServiceType(req.Type) + "." + trimDot(domain) + "."

	ctx, cancel := context.WithCancel(context.Background())
	q := newReplyQueue(nil, cancel)

	report := func(e dnssd.BrowseEntry, added bool) {
		iface := d.ifaceIndex(e.IfaceName)
		if req.Interface != 0 && iface != 0 && iface != req.Interface {
			return
		}

		key := cacheKey(e.Name, e.Type, e.Domain)
		d.mu.Lock()
		if added {
			d.cache[key] = e
		} else {
			delete(d.cache, key)
		}
		d.mu.Unlock()

		reply := BrowseReply{
			Added:     added,
			Name:      e.Name,
			Type:      trimDot(e.Type) + ".",
			Domain:    trimDot(e.Domain) + ".",
			Interface: iface,
		}
		q.post(func() { cb(reply) })
	}

	go func() {
		err := d.lookupType(ctx, service,
			func(e dnssd.BrowseEntry) { report(e, true) },
			func(e dnssd.BrowseEntry) { report(e, false) })
		if err != nil && ctx.Err() == nil {
			q.post(func() { cb(BrowseReply{Err: err}) })
		}
	}()

	return q, nil
}

func (d *DNSSDDaemon) resolveReply(e dnssd.BrowseEntry, iface uint32) ResolveReply {
	text, _ := EncodeTXT(e.Text)
	host := e.Host
	if host != "" && !strings.Contains(trimDot(host), ".") {
		host = host + "." + trimDot(e.Domain) + "."
	}
	return ResolveReply{
		FullName:  FullName(e.Name, e.Type, e.Domain),
		Host:      host,
		Port:      uint16(e.Port),
		Text:      text,
		Interface: iface,
		Addrs:     append([]net.IP(nil), e.IPs...),
	}
}

// Resolve implements Daemon. Instances already seen by a browse resolve
// from the cache; others are looked up until found or the lookup timeout.
func (d *DNSSDDaemon) Resolve(req ResolveRequest, cb ResolveCallback) (ServiceRef, error) {
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	name := UnescapeInstance(req.Name)
	key := cacheKey(name, req.Type, domain)

	d.mu.Lock()
	cached, ok := d.cache[key]
	d.mu.Unlock()

	if ok {
		q := newReplyQueue(nil, nil)
		reply := d.resolveReply(cached, req.Interface)
		q.post(func() { cb(reply) })
		return q, nil
	}

	base, _ := SplitServiceType(req.Type)
	service := trimDot(base) + "." + trimDot(domain) + "."

	ctx, cancel := context.WithTimeout(context.Background(), d.lookupTimeout)
	q := newReplyQueue(nil, cancel)

	go func() {
		found := make(chan ResolveReply, 1)
		err := d.lookupType(ctx, service, func(e dnssd.BrowseEntry) {
			if cacheKey(e.Name, e.Type, e.Domain) != key {
				return
			}
			select {
			case found <- d.resolveReply(e, req.Interface):
				cancel()
			default:
			}
		}, func(dnssd.BrowseEntry) {})

		select {
		case reply := <-found:
			q.post(func() { cb(reply) })
			return
		default:
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrTimeout
		} else if err == nil || ctx.Err() != nil {
			err = ErrServiceNotFound
		}
		q.post(func() { cb(ResolveReply{Err: err, Interface: req.Interface}) })
	}()

	return q, nil
}
