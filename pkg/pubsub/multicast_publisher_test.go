package pubsub

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMulticastDataPublisherRejectsKey(t *testing.T) {
	r, _ := newTestReactor(t)
	_, err := NewMulticastDataPublisher(MulticastPublisherConfig{
		Daemon:  discovery.NewMockDaemon(),
		Reactor: r,
		Key:     "bad.key",
	})
	assert.ErrorIs(t, err, ErrInvalidSubType)
}

func TestMulticastDataPublisher(t *testing.T) {
	d := discovery.NewMockDaemon()
	r, mock := newTestReactor(t)
	metrics := NewMetrics(prometheus.NewRegistry())

	pipe := transport.NewPipe()
	t.Cleanup(func() { pipe.Close() })
	writer, group := pipe.PacketConns(
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4500},
		&net.UDPAddr{IP: net.IPv4(239, 255, 0, 1), Port: 4500},
	)

	m, err := NewMulticastDataPublisher(MulticastPublisherConfig{
		Daemon:              d,
		Reactor:             r,
		Key:                 "Radar",
		GroupAddress:        "239.255.0.1",
		Writer:              writer,
		HeartbeatListenAddr: "127.0.0.1:0",
		Heartbeat:           HeartbeatConfig{Clock: mock},
		Jitter:              -1,
		Metrics:             metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Open("Radar1"))
	assert.ErrorIs(t, m.Open("Radar1"), ErrAlreadyOpen)
	assert.Equal(t, "239.255.0.1:4500", m.GroupAddr().String())

	ctx := context.Background()
	t.Run("drops without subscribers", func(t *testing.T) {
		require.NoError(t, m.Send(ctx, []byte("nobody")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDropped))
	})

	mock.Add(DefaultPublishDelay)
	pollUntil(t, r, m.Publisher().IsReady)

	typ := "_scPub._tcp,_Radar"
	t.Run("advertises connection details", func(t *testing.T) {
		text, err := discovery.DecodeTXT(d.TextRecord("Radar1", typ))
		require.NoError(t, err)

		hbPort := m.HeartbeatAddr().(*net.UDPAddr).Port
		assert.Equal(t, "multicast", text[discovery.TXTKeyTransport])
		assert.Equal(t, "239.255.0.1", text[discovery.TXTKeyHost])
		assert.Equal(t, strconv.Itoa(hbPort), text[discovery.TXTKeyHeartBeatPort])
	})

	client := listenLoopback(t)
	hello := func() {
		_, err := client.WriteTo(EncodeHeartbeat(HeartbeatHello), m.HeartbeatAddr())
		require.NoError(t, err)
	}

	t.Run("sends while heard from", func(t *testing.T) {
		hello()
		require.Eventually(t, m.IsUsingData, time.Second, time.Millisecond)
		assert.Equal(t, []string{client.LocalAddr().String()}, m.Tracker().Clients())

		require.NoError(t, m.Send(ctx, []byte("frame-1")))
		data, _ := readPacket(t, group)
		assert.Equal(t, "frame-1", string(data))
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(metrics.messagesSent) == 1
		}, time.Second, time.Millisecond)
	})

	t.Run("bye stops sending", func(t *testing.T) {
		_, err := client.WriteTo(EncodeHeartbeat(HeartbeatBye), m.HeartbeatAddr())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return !m.IsUsingData() }, time.Second, time.Millisecond)

		require.NoError(t, m.Send(ctx, []byte("frame-2")))
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.messagesDropped))
	})

	t.Run("silent subscribers expire", func(t *testing.T) {
		hello()
		require.Eventually(t, m.IsUsingData, time.Second, time.Millisecond)

		mock.Add(DefaultHeartbeatStaleness)
		pollUntil(t, r, func() bool { return !m.IsUsingData() })
	})

	require.NoError(t, m.Close())
	assert.Nil(t, m.HeartbeatAddr())
	assert.False(t, d.IsRegistered("Radar1", typ))
}
