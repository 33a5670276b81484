package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// DefaultLookupTimeout bounds a resolve made through ZeroconfDaemon or
// DNSSDDaemon.
const DefaultLookupTimeout = 5 * time.Second

// MDNSServer is a running mDNS registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// SetText replaces the TXT strings of the registration.
	SetText(text []string)

	// Shutdown withdraws the registration.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register announces a service. service may carry ",_sub" suffixes.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ZeroconfDaemonConfig holds configuration for a ZeroconfDaemon.
type ZeroconfDaemonConfig struct {
	// ServerFactory creates registrations.
	// If nil, grandcat/zeroconf is used.
	ServerFactory MDNSServerFactory

	// Resolver browses and looks up services.
	// If nil, a grandcat/zeroconf resolver is created.
	Resolver MDNSResolver

	// Net maps interface indices to interfaces.
	// If nil, the host network stack is used.
	Net transport.Net

	// LookupTimeout bounds a resolve.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ZeroconfDaemon implements Daemon on top of grandcat/zeroconf.
//
// The library announces without reporting conflicts, so a registration is
// confirmed under the requested name as soon as it is accepted. Browse
// entries with a zero TTL are reported as removals.
type ZeroconfDaemon struct {
	factory       MDNSServerFactory
	resolver      MDNSResolver
	net           transport.Net
	lookupTimeout time.Duration
	log           logging.LeveledLogger
}

// NewZeroconfDaemon creates a ZeroconfDaemon.
func NewZeroconfDaemon(config ZeroconfDaemonConfig) (*ZeroconfDaemon, error) {
	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	resolver := config.Resolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, fmt.Errorf("zeroconf daemon: create resolver: %w", err)
		}
		resolver = zr
	}

	n := config.Net
	if n == nil {
		sn, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("zeroconf daemon: %w", err)
		}
		n = sn
	}

	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	d := &ZeroconfDaemon{
		factory:       factory,
		resolver:      resolver,
		net:           n,
		lookupTimeout: config.LookupTimeout,
	}

	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("zeroconf-daemon")
	}

	return d, nil
}

func (d *ZeroconfDaemon) interfaces(index uint32) ([]net.Interface, error) {
	if index == 0 {
		return nil, nil
	}
	ifc, err := d.net.InterfaceByIndex(int(index))
	if err != nil {
		return nil, fmt.Errorf("interface %d: %w", index, err)
	}
	return []net.Interface{ifc.Interface}, nil
}

func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "sidecar"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

// Register implements Daemon.
func (d *ZeroconfDaemon) Register(req RegisterRequest, cb RegisterCallback) (ServiceRef, error) {
	records, err := SplitTXT(req.Text)
	if err != nil {
		return nil, err
	}
	ifaces, err := d.interfaces(req.Interface)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = defaultInstanceName()
	}
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	if d.log != nil {
		d.log.Debugf("registering mDNS service: instance=%s service=%s domain=%s port=%d", name, req.Type, domain, req.Port)
		d.log.Tracef("TXT records: %v", records)
	}

	server, err := d.factory.Register(name, req.Type, domain, int(req.Port), records, ifaces)
	if err != nil {
		return nil, fmt.Errorf("mDNS registration failed for %s: %w", req.Type, err)
	}

	q := newReplyQueue(
		func(text []byte) error {
			records, err := SplitTXT(text)
			if err != nil {
				return err
			}
			server.SetText(records)
			return nil
		},
		server.Shutdown,
	)

	reply := RegisterReply{Name: name, Type: req.Type, Domain: domain}
	q.post(func() { cb(reply) })

	return q, nil
}

// Browse implements Daemon.
func (d *ZeroconfDaemon) Browse(req BrowseRequest, cb BrowseCallback) (ServiceRef, error) {
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := newReplyQueue(nil, cancel)
	entries := make(chan *zeroconf.ServiceEntry, 32)

	// The resolver owns entries and closes it once ctx is done.
	go func() {
		if err := d.resolver.Browse(ctx, BrowseServiceType(req.Type), domain, entries); err != nil {
			q.post(func() { cb(BrowseReply{Err: err}) })
		}
	}()

	go func() {
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				entry = e
			}

			reply := BrowseReply{
				Added:      entry.TTL != 0,
				MoreComing: len(entries) > 0,
				Name:       entry.Instance,
				Type:       trimDot(entry.Service) + ".",
				Domain:     trimDot(entry.Domain) + ".",
				Interface:  req.Interface,
			}
			if !q.post(func() { cb(reply) }) {
				return
			}
		}
	}()

	return q, nil
}

// Resolve implements Daemon.
func (d *ZeroconfDaemon) Resolve(req ResolveRequest, cb ResolveCallback) (ServiceRef, error) {
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	base, _ := SplitServiceType(req.Type)
	base = trimDot(base)

	ctx, cancel := context.WithTimeout(context.Background(), d.lookupTimeout)
	q := newReplyQueue(nil, cancel)
	entries := make(chan *zeroconf.ServiceEntry, 1)

	go func() {
		if err := d.resolver.Lookup(ctx, UnescapeInstance(req.Name), base, domain, entries); err != nil {
			q.post(func() { cb(ResolveReply{Err: err, Interface: req.Interface}) })
			return
		}

		select {
		case entry, ok := <-entries:
			if !ok || entry == nil {
				q.post(func() { cb(ResolveReply{Err: ErrServiceNotFound, Interface: req.Interface}) })
				return
			}
			addrs := append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...)
			reply := ResolveReply{
				FullName:  FullName(entry.Instance, entry.Service, entry.Domain),
				Host:      entry.HostName,
				Port:      uint16(entry.Port),
				Text:      FrameTXTStrings(entry.Text),
				Interface: req.Interface,
				Addrs:     addrs,
			}
			q.post(func() { cb(reply) })
		case <-ctx.Done():
			if contextError(ctx.Err()) == ErrTimeout {
				q.post(func() { cb(ResolveReply{Err: ErrTimeout, Interface: req.Interface}) })
			}
		}
	}()

	return q, nil
}
