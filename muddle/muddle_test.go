package muddle

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/peerlist"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Muddle {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	cfg := DefaultConfig(kp, packet.NetworkIDFromString("test"))
	cfg.TrackerOptions.TickPeriod = 50 * time.Millisecond
	m := New(cfg)
	require.NoError(t, m.Start([]int{0}))
	t.Cleanup(m.Stop)
	return m
}

func connect(t *testing.T, a, b *Muddle) {
	t.Helper()
	ports := b.GetListeningPorts()
	require.Len(t, ports, 1)
	uri := "tcp://127.0.0.1:" + strconv.Itoa(ports[0])
	a.ConnectTo(b.GetAddress(), uri, peerlist.Never)

	require.Eventually(t, func() bool {
		return a.IsDirectlyConnected(b.GetAddress()) && b.IsDirectlyConnected(a.GetAddress())
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartAssignsEphemeralPort(t *testing.T) {
	m := newTestNode(t)
	require.Len(t, m.GetListeningPorts(), 1)
	require.NotZero(t, m.GetListeningPorts()[0])
}

func TestConnectToEstablishesBidirectionalLink(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	require.Contains(t, a.GetDirectlyConnectedPeers(), b.GetAddress())
	require.Contains(t, b.GetDirectlyConnectedPeers(), a.GetAddress())
	require.Contains(t, a.GetOutgoingConnectedPeers(), b.GetAddress())
	require.Contains(t, b.GetIncomingConnectedPeers(), a.GetAddress())
}

func TestEndpointSendDeliversPayload(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	received := make(chan []byte, 1)
	b.GetEndpoint().Subscribe(10, 0, func(p *packet.Packet) { received <- p.Payload })

	require.NoError(t, a.GetEndpoint().Send(b.GetAddress(), 10, 0, []byte("hello")))

	select {
	case got := <-received:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestEndpointExchangeRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	b.GetEndpoint().HandleRPC(20, 0, func(req *packet.Packet) ([]byte, error) {
		return append([]byte("echo:"), req.Payload...), nil
	})

	promise, err := a.GetEndpoint().Exchange(b.GetAddress(), 20, 0, []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	reply, err := promise.Await()
	require.NoError(t, err)
	require.Equal(t, []byte("echo:ping"), reply)
}

func TestDisconnectFromClosesLiveConnection(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	a.DisconnectFrom(b.GetAddress())
	require.Eventually(t, func() bool {
		return !a.IsDirectlyConnected(b.GetAddress())
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFetchManifestViaDiscovery(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	b.AdvertiseService(42, "tcp://127.0.0.1:9999")
	connect(t, a, b)

	require.Eventually(t, func() bool {
		m, ok := a.tracker.GetManifest(b.GetAddress())
		return ok && m[42] == "tcp://127.0.0.1:9999"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStopIsIdempotentAndClosesConnections(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Stop() }()
	go func() { defer wg.Done(); a.Stop() }()
	wg.Wait()

	require.Empty(t, a.GetDirectlyConnectedPeers())
}
