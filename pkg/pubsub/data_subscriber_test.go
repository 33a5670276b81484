package pubsub

import (
	"errors"
	"testing"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataSubscriber(t *testing.T, d discovery.Daemon, r *reactor.Reactor, name string) *DataSubscriber {
	t.Helper()

	s, err := NewDataSubscriber(DataSubscriberConfig{
		Daemon:      d,
		Reactor:     r,
		Type:        KindPublisher.Type(),
		ServiceName: name,
		Jitter:      -1,
	})
	if err != nil {
		t.Fatalf("NewDataSubscriber() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestDataSubscriberFollow(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	require.NoError(t, d.AddRemote("Radar1", KindPublisher.Type(), 1, 5000, nil))
	require.NoError(t, d.AddRemote("Radar2", KindPublisher.Type(), 1, 5001, nil))

	s := newTestDataSubscriber(t, d, r, "Radar1")

	var resolved, lost []*discovery.ServiceEntry
	s.OnResolved(func(e *discovery.ServiceEntry) { resolved = append(resolved, e) })
	s.OnLost(func(e *discovery.ServiceEntry) { lost = append(lost, e) })

	require.NoError(t, s.Open())
	assert.Equal(t, StatusPreparingBrowse, s.Status().Text())
	assert.False(t, s.Status().IsError())
	assert.ErrorIs(t, s.Open(), ErrAlreadyOpen)

	mock.Add(time.Millisecond)
	pollUntil(t, r, func() bool { return len(resolved) == 1 })

	e := resolved[0]
	assert.Equal(t, "Radar1", e.Name())
	assert.Same(t, e, s.Entry())
	assert.Equal(t, uint16(5000), e.ResolvedEntry().Port())
	assert.Empty(t, s.Status().Text())

	require.NoError(t, s.SetProcessingState(ProcessingStopped))
	assert.Equal(t, ProcessingStopped, s.ProcessingState())

	// Losing an unrelated publisher changes nothing.
	require.True(t, d.RemoveRemote("Radar2", KindPublisher.Type()))
	settle(r)
	assert.Empty(t, lost)

	require.True(t, d.RemoveRemote("Radar1", KindPublisher.Type()))
	pollUntil(t, r, func() bool { return len(lost) == 1 })
	assert.Same(t, e, lost[0])
	assert.Nil(t, s.Entry())
	assert.Equal(t, StatusNotConnected, s.Status().Text())
	assert.True(t, s.Status().IsError())

	err := s.SetProcessingState(ProcessingRunning)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetProcessingState() error = %v, want ErrNotConnected", err)
	}
	assert.Equal(t, ProcessingStopped, s.ProcessingState())
}

func TestDataSubscriberLateAppearance(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	s := newTestDataSubscriber(t, d, r, "Radar1")

	var resolved int
	s.OnResolved(func(*discovery.ServiceEntry) { resolved++ })

	require.NoError(t, s.Open())
	mock.Add(time.Millisecond)
	pollUntil(t, r, func() bool { return s.Status().Text() == StatusNotConnected })

	require.NoError(t, d.AddRemote("Radar1", KindPublisher.Type(), 0, 5000, nil))
	pollUntil(t, r, func() bool { return resolved == 1 })
}

func TestDataSubscriberStatusSequence(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	s := newTestDataSubscriber(t, d, r, "Radar1")

	var statuses []string
	s.Status().OnChange(func(text string) { statuses = append(statuses, text) })

	require.NoError(t, d.AddRemote("Radar1", KindPublisher.Type(), 0, 5000, nil))
	d.SetUnreachable("Radar1", KindPublisher.Type(), true)

	require.NoError(t, s.Open())
	mock.Add(time.Millisecond)
	pollUntil(t, r, func() bool { return s.Status().Text() == StatusResolveFailed })

	assert.Equal(t, []string{
		StatusPreparingBrowse,
		StatusNotConnected,
		StatusPublisherFound,
		StatusResolveFailed,
	}, statuses)
}

func TestDataSubscriberBrowseFailure(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	s := newTestDataSubscriber(t, d, r, "Radar1")

	d.FailNext(errors.New("daemon not running"))
	require.NoError(t, s.Open())
	mock.Add(time.Millisecond)
	pollUntil(t, r, func() bool { return s.Status().Text() == StatusBrowseFailed })

	require.NoError(t, s.RestartBrowser())
	assert.Equal(t, StatusNotConnected, s.Status().Text())
}

func TestDataSubscriberPrefersLowestInterface(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	s := newTestDataSubscriber(t, d, r, "Radar1")

	require.NoError(t, s.Open())
	mock.Add(time.Millisecond)
	pollUntil(t, r, s.Browser().IsRunning)

	for i, iface := range []uint32{3, 1, 2} {
		n := d.InjectBrowse(discovery.BrowseReply{
			Added:      true,
			MoreComing: i < 2,
			Name:       "Radar1",
			Type:       KindPublisher.Type() + ".",
			Domain:     discovery.DefaultDomain,
			Interface:  iface,
		})
		require.Equal(t, 1, n)
	}

	pollUntil(t, r, func() bool { return s.Entry() != nil })
	assert.Equal(t, uint32(1), s.Entry().Interface())
}

func TestDataSubscriberSwitchesToBetterEntry(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	s := newTestDataSubscriber(t, d, r, "Radar1")

	var lost []*discovery.ServiceEntry
	s.OnLost(func(e *discovery.ServiceEntry) { lost = append(lost, e) })

	require.NoError(t, s.Open())
	mock.Add(time.Millisecond)
	pollUntil(t, r, s.Browser().IsRunning)

	inject := func(iface uint32, added bool) {
		t.Helper()
		n := d.InjectBrowse(discovery.BrowseReply{
			Added:     added,
			Name:      "Radar1",
			Type:      KindPublisher.Type() + ".",
			Domain:    discovery.DefaultDomain,
			Interface: iface,
		})
		require.Equal(t, 1, n)
	}

	// Separate batches: the later, better entry still wins.
	inject(3, true)
	pollUntil(t, r, func() bool { return s.Entry() != nil })
	first := s.Entry()
	assert.Equal(t, uint32(3), first.Interface())

	inject(1, true)
	pollUntil(t, r, func() bool { return s.Entry() != first })
	assert.Equal(t, uint32(1), s.Entry().Interface())
	require.Len(t, lost, 1)
	assert.Same(t, first, lost[0])

	// Losing the current entry falls back to the remaining one.
	inject(1, false)
	pollUntil(t, r, func() bool { return len(lost) == 2 })
	require.NotNil(t, s.Entry())
	assert.Same(t, first, s.Entry())
	assert.NotEqual(t, StatusNotConnected, s.Status().Text())

	inject(3, false)
	pollUntil(t, r, func() bool { return len(lost) == 3 })
	assert.Nil(t, s.Entry())
	assert.Equal(t, StatusNotConnected, s.Status().Text())
}

func TestDataSubscriberRestartKeepsKnownEntry(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	require.NoError(t, d.AddRemote("Radar1", KindPublisher.Type(), 1, 5000, nil))
	s := newTestDataSubscriber(t, d, r, "Radar1")

	var lost int
	s.OnLost(func(*discovery.ServiceEntry) { lost++ })

	require.NoError(t, s.Open())
	mock.Add(time.Millisecond)
	pollUntil(t, r, func() bool { return s.Entry() != nil })
	e := s.Entry()

	require.NoError(t, s.RestartBrowser())
	assert.Equal(t, 1, lost)
	pollUntil(t, r, func() bool { return s.Entry() != nil })
	assert.Same(t, e, s.Entry())
}

func TestDataSubscriberSetProcessingStateUnconnected(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, _ := newTestReactor(t)
	s := newTestDataSubscriber(t, d, r, "Radar1")

	assert.ErrorIs(t, s.SetProcessingState(ProcessingStopped), ErrNotConnected)
	assert.Equal(t, StatusNotConnected, s.Status().Text())
	assert.ErrorIs(t, s.RestartBrowser(), ErrNotOpen)
	assert.Equal(t, "running", s.ProcessingState().String())
}
