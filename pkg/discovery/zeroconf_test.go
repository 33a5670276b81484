package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMDNSServer struct {
	mu       sync.Mutex
	text     []string
	shutdown bool
}

func (s *fakeMDNSServer) SetText(text []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
}

func (s *fakeMDNSServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

type fakeServerFactory struct {
	mu       sync.Mutex
	servers  []*fakeMDNSServer
	instance string
	service  string
	port     int
	fail     error
}

func (f *fakeServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}
	f.instance, f.service, f.port = instance, service, port
	s := &fakeMDNSServer{text: txt}
	f.servers = append(f.servers, s)
	return s, nil
}

// fakeResolver replays canned entries. Browse entries are sent in order;
// Lookup answers from the same set by instance name.
type fakeResolver struct {
	browse  []*zeroconf.ServiceEntry
	browsed chan string
}

func (r *fakeResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	if r.browsed != nil {
		r.browsed <- service
	}
	go func() {
		for _, e := range r.browse {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *fakeResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, e := range r.browse {
		if e.Instance == instance && e.TTL != 0 {
			entries <- e
			return nil
		}
	}
	go func() {
		<-ctx.Done()
	}()
	return nil
}

func remoteEntry(instance string, ttl uint32) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, testType, "local")
	e.HostName = "radar.local."
	e.Port = 5001
	e.Text = []string{"transport=tcp", "host=10.1.1.1"}
	e.TTL = ttl
	e.AddrIPv4 = []net.IP{net.IPv4(10, 0, 0, 9)}
	return e
}

func newTestZeroconfDaemon(t *testing.T, f *fakeServerFactory, r *fakeResolver) *ZeroconfDaemon {
	t.Helper()
	d, err := NewZeroconfDaemon(ZeroconfDaemonConfig{
		ServerFactory: f,
		Resolver:      r,
		Net:           &fakeNet{ifaces: map[int]string{2: "eth0"}},
		LookupTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return d
}

func TestZeroconfDaemonRegister(t *testing.T) {
	f := &fakeServerFactory{}
	d := newTestZeroconfDaemon(t, f, &fakeResolver{})

	p, err := NewPublisher(PublisherConfig{Daemon: d, Monitor: &recordingMonitor{}, Type: testType, Port: 5000})
	require.NoError(t, err)
	require.NoError(t, p.SetTextData(TXTKeyTransport, "multicast", false))
	require.NoError(t, p.Publish("Radar1", false))

	require.Len(t, f.servers, 1)
	assert.Equal(t, "Radar1", f.instance)
	assert.Equal(t, testType, f.service)
	assert.Equal(t, 5000, f.port)
	assert.Equal(t, []string{"transport=multicast"}, f.servers[0].text)

	drain(t, &p.Transaction)
	assert.True(t, p.IsPublished())

	require.NoError(t, p.SetTextData(TXTKeyHost, "237.1.2.100", true))
	assert.Equal(t, []string{"host=237.1.2.100", "transport=multicast"}, f.servers[0].text)

	p.Stop()
	assert.True(t, f.servers[0].shutdown)
}

func TestZeroconfDaemonRegisterFailure(t *testing.T) {
	boom := errors.New("no multicast")
	f := &fakeServerFactory{fail: boom}
	d := newTestZeroconfDaemon(t, f, &fakeResolver{})

	_, err := d.Register(RegisterRequest{Name: "Radar1", Type: testType, Port: 5000}, func(RegisterReply) {})
	assert.ErrorIs(t, err, boom)
}

func TestZeroconfDaemonBrowse(t *testing.T) {
	r := &fakeResolver{
		browse: []*zeroconf.ServiceEntry{
			remoteEntry("Pub1", 120),
			remoteEntry("Pub1", 0),
		},
		browsed: make(chan string, 1),
	}
	d := newTestZeroconfDaemon(t, &fakeServerFactory{}, r)

	var replies []BrowseReply
	ref, err := d.Browse(BrowseRequest{Type: testType + ",_raw"}, func(reply BrowseReply) {
		replies = append(replies, reply)
	})
	require.NoError(t, err)
	defer ref.Deallocate()

	assert.Equal(t, "_raw._sub."+testType, <-r.browsed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(replies) < 2 {
		require.NoError(t, ref.ProcessResult(ctx))
	}

	assert.True(t, replies[0].Added)
	assert.Equal(t, "Pub1", replies[0].Name)
	assert.Equal(t, testType+".", replies[0].Type)
	assert.Equal(t, DefaultDomain, replies[0].Domain)
	assert.False(t, replies[1].Added)
}

func TestZeroconfDaemonResolve(t *testing.T) {
	r := &fakeResolver{browse: []*zeroconf.ServiceEntry{remoteEntry("Pub1", 120)}}
	d := newTestZeroconfDaemon(t, &fakeServerFactory{}, r)

	t.Run("found", func(t *testing.T) {
		e, err := NewServiceEntry(ServiceEntryConfig{Daemon: d, Monitor: &recordingMonitor{}}, "Pub1", testType, DefaultDomain, 0)
		require.NoError(t, err)
		require.NoError(t, e.Resolve(true))

		res := e.ResolvedEntry()
		require.NotNil(t, res)
		assert.Equal(t, "radar.local.", res.NativeHost())
		assert.Equal(t, "10.1.1.1", res.Host())
		assert.Equal(t, uint16(5001), res.Port())
		assert.Equal(t, "10.0.0.9", res.NativeDialHost())
	})

	t.Run("timeout", func(t *testing.T) {
		e, err := NewServiceEntry(ServiceEntryConfig{
			Daemon:         d,
			Monitor:        &recordingMonitor{},
			ResolveTimeout: time.Second,
		}, "Missing", testType, DefaultDomain, 0)
		require.NoError(t, err)

		resolved := 0
		e.OnResolved(func(*ServiceEntry) { resolved++ })
		require.NoError(t, e.Resolve(true))
		assert.False(t, e.IsResolved())
		assert.Equal(t, 1, resolved)
	})
}

func TestZeroconfDaemonInterface(t *testing.T) {
	d := newTestZeroconfDaemon(t, &fakeServerFactory{}, &fakeResolver{})

	ifaces, err := d.interfaces(2)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "eth0", ifaces[0].Name)

	_, err = d.interfaces(9)
	assert.Error(t, err)
}
