package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"time"
	"weak"

	"github.com/backkem/sidecar/pkg/signal"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
)

// BrowserConfig holds configuration for a Browser.
type BrowserConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon Daemon

	// MonitorFactory supplies the monitor of the browser and of every
	// ServiceEntry it creates. Required.
	MonitorFactory MonitorFactory

	// Type is the service type to browse for.
	Type string

	// Domain to browse. If empty, DefaultDomain is used.
	Domain string

	// Interface index to browse on; 0 means all interfaces.
	Interface uint32

	// Net is handed to created entries for interface name lookup.
	Net transport.Net

	// ResolveTimeout is handed to created entries.
	ResolveTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Browser tracks the instances of one service type.
//
// Daemon replies are batched: additions and removals accumulate until a
// reply arrives without MoreComing, then observers are told about the lost
// entries first and the found entries second.
type Browser struct {
	Transaction

	daemon      Daemon
	factory     MonitorFactory
	entryConfig ServiceEntryConfig
	typ         string
	domain      string
	iface       uint32

	found   map[string]*ServiceEntry
	finding []*ServiceEntry
	losing  []*ServiceEntry

	foundSignal signal.Signal[[]*ServiceEntry]
	lostSignal  signal.Signal[[]*ServiceEntry]
	log         logging.LeveledLogger
}

// NewBrowser creates a Browser. Call Start to begin browsing.
func NewBrowser(config BrowserConfig) (*Browser, error) {
	if config.Daemon == nil {
		return nil, fmt.Errorf("browser: %w", ErrNoDaemon)
	}
	if config.MonitorFactory == nil {
		return nil, fmt.Errorf("browser: %w", ErrNoMonitor)
	}

	domain := config.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	b := &Browser{
		daemon:  config.Daemon,
		factory: config.MonitorFactory,
		entryConfig: ServiceEntryConfig{
			Daemon:         config.Daemon,
			Net:            config.Net,
			ResolveTimeout: config.ResolveTimeout,
			LoggerFactory:  config.LoggerFactory,
		},
		typ:    config.Type,
		domain: domain,
		iface:  config.Interface,
		found:  make(map[string]*ServiceEntry),
	}

	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("zeroconf-browser")
	}
	b.Transaction = newTransaction(config.MonitorFactory.NewMonitor(), b.log)

	return b, nil
}

// Type returns the browsed service type.
func (b *Browser) Type() string { return b.typ }

// Domain returns the browsed domain.
func (b *Browser) Domain() string { return b.domain }

// Interface returns the browsed interface index.
func (b *Browser) Interface() uint32 { return b.iface }

// SetType changes the type used by the next Start.
func (b *Browser) SetType(typ string) { b.typ = typ }

// SetDomain changes the domain used by the next Start.
func (b *Browser) SetDomain(domain string) {
	if domain == "" {
		domain = DefaultDomain
	}
	b.domain = domain
}

// SetInterface changes the interface used by the next Start.
func (b *Browser) SetInterface(iface uint32) { b.iface = iface }

// OnFound connects fn to the found signal, which carries each batch of new
// entries.
func (b *Browser) OnFound(fn func([]*ServiceEntry)) *signal.Connection {
	return b.foundSignal.Connect(fn)
}

// OnLost connects fn to the lost signal, which carries each batch of
// entries that went away.
func (b *Browser) OnLost(fn func([]*ServiceEntry)) *signal.Connection {
	return b.lostSignal.Connect(fn)
}

// Start begins browsing, restarting a running browse. Entries found by an
// earlier run are kept.
func (b *Browser) Start() error {
	if b.log != nil {
		b.log.Infof("browsing type %s domain %s interface %d", b.typ, b.domain, b.iface)
	}

	if b.IsRunning() {
		b.Stop()
	}

	wp := weak.Make(b)
	ref, err := b.daemon.Browse(BrowseRequest{
		Type:      b.typ,
		Domain:    b.domain,
		Interface: b.iface,
	}, func(reply BrowseReply) {
		if b := wp.Value(); b != nil {
			b.processResponse(reply)
		}
	})
	if err != nil {
		if b.log != nil {
			b.log.Errorf("failed to browse %s: %v", b.typ, err)
		}
		return fmt.Errorf("browser: browse %q: %w", b.typ, err)
	}

	b.started(ref, true)
	return nil
}

func entryKey(name, typ, domain string, iface uint32) string {
	return name + typ + domain + strconv.FormatUint(uint64(iface), 10)
}

func (b *Browser) processResponse(reply BrowseReply) {
	if reply.Err != nil {
		if b.log != nil {
			b.log.Errorf("browse reply error: %v", reply.Err)
		}
		return
	}

	key := entryKey(reply.Name, reply.Type, reply.Domain, reply.Interface)
	if b.log != nil {
		b.log.Tracef("name %s type %s domain %s interface %d added %v moreComing %v",
			reply.Name, reply.Type, reply.Domain, reply.Interface, reply.Added, reply.MoreComing)
	}

	if reply.Added {
		b.addEntry(key, reply)
	} else if entry, ok := b.found[key]; ok {
		delete(b.found, key)
		if i := indexOf(b.finding, entry); i >= 0 {
			// Found and lost within one batch: nobody has seen it.
			b.finding = append(b.finding[:i], b.finding[i+1:]...)
			entry.Stop()
			if b.log != nil {
				b.log.Debugf("dropping %s, lost before announced", entry.Name())
			}
		} else {
			if b.log != nil {
				b.log.Debugf("losing %s", entry.Name())
			}
			b.losing = append(b.losing, entry)
		}
	}

	if reply.MoreComing {
		return
	}

	if len(b.losing) > 0 {
		losing := b.losing
		b.losing = nil
		if b.log != nil {
			b.log.Debugf("notifying about %d lost items", len(losing))
		}
		b.lostSignal.Emit(losing)
		for _, entry := range losing {
			entry.Stop()
		}
	}

	if len(b.finding) > 0 {
		finding := b.finding
		b.finding = nil
		if b.log != nil {
			b.log.Debugf("notifying about %d new items", len(finding))
		}
		b.foundSignal.Emit(finding)
	}
}

func (b *Browser) addEntry(key string, reply BrowseReply) {
	if _, ok := b.found[key]; ok {
		// Re-announcement of a known instance; observers keep their entry.
		return
	}

	config := b.entryConfig
	config.Monitor = b.factory.NewMonitor()
	entry, err := NewServiceEntry(config, reply.Name, reply.Type, reply.Domain, reply.Interface)
	if err != nil {
		if b.log != nil {
			b.log.Errorf("failed to create entry for %s: %v", reply.Name, err)
		}
		return
	}

	b.found[key] = entry
	b.finding = append(b.finding, entry)
	if b.log != nil {
		b.log.Debugf("found %s", entry.Name())
	}
}

func indexOf(entries []*ServiceEntry, entry *ServiceEntry) int {
	for i, e := range entries {
		if e == entry {
			return i
		}
	}
	return -1
}

// Entries returns the entries currently known, ordered by name, then
// interface, then domain.
func (b *Browser) Entries() []*ServiceEntry {
	entries := make([]*ServiceEntry, 0, len(b.found))
	for _, e := range b.found {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries
}

// EntryByName returns the preferred entry with the given instance name: the
// one seen on the lowest interface index, then in the lexically first
// domain. It returns nil when none is known.
func (b *Browser) EntryByName(name string) *ServiceEntry {
	var matches []*ServiceEntry
	for _, e := range b.found {
		if e.Name() == name {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sortEntries(matches)
	return matches[0]
}

// PreferredEntry picks from entries the one named name, using the same
// preference as EntryByName.
func PreferredEntry(entries []*ServiceEntry, name string) *ServiceEntry {
	var best *ServiceEntry
	for _, e := range entries {
		if e.Name() != name {
			continue
		}
		if best == nil || entryLess(e, best) {
			best = e
		}
	}
	return best
}

func sortEntries(entries []*ServiceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
}

func entryLess(a, b *ServiceEntry) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	if a.iface != b.iface {
		return a.iface < b.iface
	}
	if a.domain != b.domain {
		return a.domain < b.domain
	}
	return a.typ < b.typ
}
