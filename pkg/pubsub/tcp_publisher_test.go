package pubsub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPDataPublisher(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	metrics := NewMetrics(prometheus.NewRegistry())

	p, err := NewTCPDataPublisher(TCPPublisherConfig{
		Daemon:     d,
		Reactor:    r,
		ListenAddr: "127.0.0.1:0",
		Key:        "Radar",
		Jitter:     -1,
		Metrics:    metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	assert.Nil(t, p.Addr())
	require.NoError(t, p.Open("Radar1"))
	assert.ErrorIs(t, p.Open("Radar1"), ErrAlreadyOpen)

	mock.Add(DefaultPublishDelay)
	pollUntil(t, r, p.Publisher().IsReady)

	text, err := discovery.DecodeTXT(d.TextRecord("Radar1", "_scPub._tcp,_Radar"))
	require.NoError(t, err)
	assert.Equal(t, "tcp", text[discovery.TXTKeyTransport])
	_, hasHost := text[discovery.TXTKeyHost]
	assert.False(t, hasHost)

	ctx := context.Background()
	require.NoError(t, p.Send(ctx, []byte("nobody")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDropped))

	client, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return p.Subscribers() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.subscribers))

	require.NoError(t, p.Send(ctx, []byte("frame")))
	client.SetReadDeadline(time.Now().Add(time.Second))
	data, err := transport.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))

	require.NoError(t, p.Close())
	assert.False(t, d.IsRegistered("Radar1", "_scPub._tcp,_Radar"))
	_, err = transport.ReadFrame(client)
	assert.Error(t, err)
}

func TestTCPDataPublisherHost(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)

	p, err := NewTCPDataPublisher(TCPPublisherConfig{
		Daemon:     d,
		Reactor:    r,
		ListenAddr: "127.0.0.1:0",
		Host:       "10.1.2.3",
		Jitter:     -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Open("Plain"))
	mock.Add(DefaultPublishDelay)
	pollUntil(t, r, p.Publisher().IsReady)

	text, err := discovery.DecodeTXT(d.TextRecord("Plain", KindPublisher.Type()))
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", text[discovery.TXTKeyHost])
}
