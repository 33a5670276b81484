package discovery

import (
	"net"
	"strings"
	"sync"
)

// MockHost is the host name MockDaemon reports for every service.
const MockHost = "mockhost.local."

// MockAddr is the address MockDaemon reports for MockHost.
var MockAddr = net.IPv4(127, 0, 0, 1)

// MockDaemon is an in-memory Daemon for tests. Registrations are visible to
// browses and resolves made through the same MockDaemon, and it offers
// hooks to inject failures, conflicts and remote services.
type MockDaemon struct {
	mu          sync.Mutex
	services    map[string]*mockService
	browses     map[*mockBrowse]struct{}
	failNext    error
	manual      bool
	registers   int
	resolves    int
	lastText    map[string][]byte
	unreachable map[string]bool
}

type mockService struct {
	name   string
	typ    string
	domain string
	iface  uint32
	port   uint16
	text   []byte
	q      *replyQueue
	cb     RegisterCallback
}

type mockBrowse struct {
	typ    string
	domain string
	iface  uint32
	q      *replyQueue
	cb     BrowseCallback
}

// NewMockDaemon creates a MockDaemon that confirms registrations as soon as
// they are made.
func NewMockDaemon() *MockDaemon {
	return &MockDaemon{
		services:    make(map[string]*mockService),
		browses:     make(map[*mockBrowse]struct{}),
		lastText:    make(map[string][]byte),
		unreachable: make(map[string]bool),
	}
}

func trimDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

func mockKey(name, typ, domain string) string {
	base, _ := SplitServiceType(typ)
	if domain == "" {
		domain = DefaultDomain
	}
	return name + "|" + trimDot(base) + "|" + trimDot(domain)
}

// typeMatches reports whether a service of type svc is seen by a browse for
// type browse, honoring a sub-type on the browse.
func typeMatches(browse, svc string) bool {
	bBase, bSubs := SplitServiceType(browse)
	sBase, sSubs := SplitServiceType(svc)
	if trimDot(bBase) != trimDot(sBase) {
		return false
	}
	if len(bSubs) == 0 {
		return true
	}
	for _, s := range sSubs {
		if s == bSubs[0] {
			return true
		}
	}
	return false
}

func domainMatches(a, b string) bool {
	if a == "" {
		a = DefaultDomain
	}
	if b == "" {
		b = DefaultDomain
	}
	return trimDot(a) == trimDot(b)
}

// FailNext makes the next Register, Browse or Resolve fail synchronously
// with err.
func (m *MockDaemon) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetManualConfirm controls whether registrations wait for Confirm (true)
// or are confirmed immediately (false, the default).
func (m *MockDaemon) SetManualConfirm(manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = manual
}

func (m *MockDaemon) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// Register implements Daemon. A name already registered with the same type
// and domain fails with ErrNameConflict.
func (m *MockDaemon) Register(req RegisterRequest, cb RegisterCallback) (ServiceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.registers++

	name := req.Name
	if name == "" {
		name = "mockhost"
	}
	key := mockKey(name, req.Type, req.Domain)
	if _, exists := m.services[key]; exists {
		return nil, ErrNameConflict
	}

	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	svc := &mockService{
		name:   name,
		typ:    req.Type,
		domain: domain,
		iface:  req.Interface,
		port:   req.Port,
		text:   append([]byte(nil), req.Text...),
		cb:     cb,
	}
	svc.q = newReplyQueue(
		func(text []byte) error { return m.updateRecord(svc, text) },
		func() { m.unregister(svc) },
	)
	m.services[key] = svc
	m.lastText[key] = svc.text

	if !m.manual {
		m.confirmLocked(svc, svc.name)
	}
	m.announceLocked(svc, true)

	return svc.q, nil
}

func (m *MockDaemon) confirmLocked(svc *mockService, name string) {
	reply := RegisterReply{Name: name, Type: svc.typ, Domain: svc.domain}
	cb := svc.cb
	svc.q.post(func() { cb(reply) })
}

func (m *MockDaemon) announceLocked(svc *mockService, added bool) {
	for b := range m.browses {
		if !typeMatches(b.typ, svc.typ) || !domainMatches(b.domain, svc.domain) {
			continue
		}
		if b.iface != 0 && svc.iface != 0 && b.iface != svc.iface {
			continue
		}
		base, _ := SplitServiceType(svc.typ)
		reply := BrowseReply{
			Added:     added,
			Name:      svc.name,
			Type:      trimDot(base) + ".",
			Domain:    svc.domain,
			Interface: svc.iface,
		}
		cb := b.cb
		b.q.post(func() { cb(reply) })
	}
}

func (m *MockDaemon) updateRecord(svc *mockService, text []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mockKey(svc.name, svc.typ, svc.domain)
	if m.services[key] != svc {
		return ErrNotPublished
	}
	svc.text = append([]byte(nil), text...)
	m.lastText[key] = svc.text
	return nil
}

func (m *MockDaemon) unregister(svc *mockService) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mockKey(svc.name, svc.typ, svc.domain)
	if m.services[key] != svc {
		return
	}
	delete(m.services, key)
	m.announceLocked(svc, false)
}

// Confirm posts a successful registration reply for the service, reporting
// confirmedName as the name the daemon settled on.
func (m *MockDaemon) Confirm(name, typ, confirmedName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[mockKey(name, typ, "")]
	if !ok {
		return false
	}
	if confirmedName != name {
		delete(m.services, mockKey(name, typ, svc.domain))
		svc.name = confirmedName
		m.services[mockKey(confirmedName, typ, svc.domain)] = svc
		m.lastText[mockKey(confirmedName, typ, svc.domain)] = svc.text
	}
	m.confirmLocked(svc, confirmedName)
	return true
}

// Conflict posts a failed registration reply with ErrNameConflict for the
// service, as a daemon does when a conflict is detected after probing.
func (m *MockDaemon) Conflict(name, typ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[mockKey(name, typ, "")]
	if !ok {
		return false
	}
	cb := svc.cb
	svc.q.post(func() { cb(RegisterReply{Err: ErrNameConflict}) })
	return true
}

// Browse implements Daemon. Services already registered are reported as one
// batch.
func (m *MockDaemon) Browse(req BrowseRequest, cb BrowseCallback) (ServiceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	b := &mockBrowse{typ: req.Type, domain: req.Domain, iface: req.Interface, cb: cb}
	b.q = newReplyQueue(nil, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.browses, b)
	})

	var matches []*mockService
	for _, svc := range m.services {
		if typeMatches(req.Type, svc.typ) && domainMatches(req.Domain, svc.domain) {
			matches = append(matches, svc)
		}
	}
	for i, svc := range matches {
		base, _ := SplitServiceType(svc.typ)
		reply := BrowseReply{
			Added:      true,
			MoreComing: i < len(matches)-1,
			Name:       svc.name,
			Type:       trimDot(base) + ".",
			Domain:     svc.domain,
			Interface:  svc.iface,
		}
		b.q.post(func() { cb(reply) })
	}

	m.browses[b] = struct{}{}
	return b.q, nil
}

// InjectBrowse delivers reply to every browse whose type matches
// reply.Type, without touching registered services.
func (m *MockDaemon) InjectBrowse(reply BrowseReply) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for b := range m.browses {
		if !typeMatches(b.typ, reply.Type) {
			continue
		}
		cb := b.cb
		b.q.post(func() { cb(reply) })
		count++
	}
	return count
}

// AddRemote registers a service as if announced by another host.
func (m *MockDaemon) AddRemote(name, typ string, iface uint32, port uint16, text map[string]string) error {
	buf, err := EncodeTXT(text)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := mockKey(name, typ, "")
	if _, exists := m.services[key]; exists {
		return ErrNameConflict
	}
	svc := &mockService{
		name:   name,
		typ:    typ,
		domain: DefaultDomain,
		iface:  iface,
		port:   port,
		text:   buf,
		cb:     func(RegisterReply) {},
	}
	svc.q = newReplyQueue(nil, nil)
	m.services[key] = svc
	m.announceLocked(svc, true)
	return nil
}

// RemoveRemote withdraws a service added with AddRemote.
func (m *MockDaemon) RemoveRemote(name, typ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mockKey(name, typ, "")
	svc, ok := m.services[key]
	if !ok {
		return false
	}
	delete(m.services, key)
	m.announceLocked(svc, false)
	return true
}

// SetUnreachable makes resolves of the named service fail with
// ErrServiceNotFound.
func (m *MockDaemon) SetUnreachable(name, typ string, unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[mockKey(name, typ, "")] = unreachable
}

// Resolve implements Daemon. The reply is queued immediately; unknown
// services get an ErrServiceNotFound reply.
func (m *MockDaemon) Resolve(req ResolveRequest, cb ResolveCallback) (ServiceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.resolves++

	q := newReplyQueue(nil, nil)
	key := mockKey(req.Name, req.Type, req.Domain)
	svc, ok := m.services[key]

	var reply ResolveReply
	if !ok || m.unreachable[key] {
		reply = ResolveReply{Err: ErrServiceNotFound, Interface: req.Interface}
	} else {
		reply = ResolveReply{
			FullName:  FullName(svc.name, svc.typ, svc.domain),
			Host:      MockHost,
			Port:      svc.port,
			Text:      append([]byte(nil), svc.text...),
			Interface: req.Interface,
			Addrs:     []net.IP{MockAddr},
		}
	}
	q.post(func() { cb(reply) })

	return q, nil
}

// IsRegistered reports whether a service with the given name and type is
// registered.
func (m *MockDaemon) IsRegistered(name, typ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.services[mockKey(name, typ, "")]
	return ok
}

// TextRecord returns the framed TXT record last registered or updated for
// the service.
func (m *MockDaemon) TextRecord(name, typ string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastText[mockKey(name, typ, "")]
}

// RegisterCount returns how many registrations were accepted or rejected
// by conflict.
func (m *MockDaemon) RegisterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers
}

// ResolveCount returns how many resolves were issued.
func (m *MockDaemon) ResolveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolves
}
