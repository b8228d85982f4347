package router

import (
	"net"
	"testing"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/register"
	"github.com/stretchr/testify/require"
)

// testLink wires two routers together over a real TCP loopback
// connection, each backed by its own register, delivering inbound
// packets straight to Router.Inbound.
type testLink struct {
	aKP, bKP       *identity.KeyPair
	aReg, bReg     *register.Register
	aRouter, bRouter *Router
	aHandle, bHandle register.Handle
}

func newTestLink(t *testing.T) *testLink {
	t.Helper()
	netID := packet.NetworkIDFromString("test")

	aKP, err := identity.Generate()
	require.NoError(t, err)
	bKP, err := identity.Generate()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		sc, err := ln.Accept()
		require.NoError(t, err)
		serverCh <- sc
	}()
	clientNC, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverNC := <-serverCh

	aConn := conn.New(clientNC, conn.Outgoing)
	bConn := conn.New(serverNC, conn.Incoming)

	aReg := register.New(aKP.Address(), register.DefaultOptions())
	bReg := register.New(bKP.Address(), register.DefaultOptions())

	aHandle := aReg.Register(aConn, conn.Outgoing)
	bHandle := bReg.Register(bConn, conn.Incoming)
	require.NoError(t, aReg.Update(aHandle, bKP.Address()))
	require.NoError(t, bReg.Update(bHandle, aKP.Address()))

	aRouter := New(aKP, netID, aReg)
	bRouter := New(bKP, netID, bReg)
	aRouter.LearnRoute(bKP.Address(), aHandle, HandshakeLearned)
	bRouter.LearnRoute(aKP.Address(), bHandle, HandshakeLearned)

	go aConn.Run(func(p *packet.Packet) { aRouter.Inbound(aHandle, p) }, nil)
	go bConn.Run(func(p *packet.Packet) { bRouter.Inbound(bHandle, p) }, nil)

	t.Cleanup(func() { aConn.Close(); bConn.Close() })

	return &testLink{aKP: aKP, bKP: bKP, aReg: aReg, bReg: bReg, aRouter: aRouter, bRouter: bRouter, aHandle: aHandle, bHandle: bHandle}
}

func TestSendDeliversToSubscriber(t *testing.T) {
	link := newTestLink(t)

	received := make(chan *packet.Packet, 1)
	link.bRouter.Subscribe(1, 1, func(p *packet.Packet) { received <- p })

	require.NoError(t, link.aRouter.Send(link.bKP.Address(), 1, 1, []byte("hi")))

	select {
	case p := <-received:
		require.Equal(t, []byte("hi"), p.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSendToUnknownTargetFailsWithNoRoute(t *testing.T) {
	link := newTestLink(t)
	var stranger identity.Address
	stranger[0] = 0xFF

	err := link.aRouter.Send(stranger, 1, 1, []byte("x"))
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestExchangeRoundTrip(t *testing.T) {
	link := newTestLink(t)

	link.bRouter.HandleRPC(2, 2, func(req *packet.Packet) ([]byte, error) {
		return append([]byte("echo:"), req.Payload...), nil
	})

	prom, err := link.aRouter.Exchange(link.bKP.Address(), 2, 2, []byte("ping"), 2*time.Second)
	require.NoError(t, err)

	reply, err := prom.Await()
	require.NoError(t, err)
	require.Equal(t, []byte("echo:ping"), reply)
}

func TestExchangeTimesOutWithoutHandler(t *testing.T) {
	link := newTestLink(t)

	prom, err := link.aRouter.Exchange(link.bKP.Address(), 9, 9, []byte("ping"), 50*time.Millisecond)
	require.NoError(t, err)

	_, err = prom.Await()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBroadcastDeliversLocallyAndDedupsRepeats(t *testing.T) {
	link := newTestLink(t)

	count := 0
	link.bRouter.Subscribe(3, 3, func(p *packet.Packet) { count++ })

	require.NoError(t, link.aRouter.Broadcast(3, 3, []byte("x")))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, count)

	// Re-deliver a copy of that broadcast (a's first message number on
	// (3, 3) is 1); the dedup set rejects it.
	dup := packet.New(3, 3, link.aKP.Address(), []byte("x"))
	dup.NetworkID = packet.NetworkIDFromString("test")
	dup.Flags |= packet.FlagBroadcast
	dup.MessageNumber = 1
	dup.Sign(link.aKP)
	link.bRouter.Inbound(link.bHandle, dup)
	require.Equal(t, 1, count)
}

func TestLearnRouteHandshakeLearnedWinsOverObserved(t *testing.T) {
	var kpAddr, peerAddr identity.Address
	kpAddr[0] = 1
	peerAddr[0] = 2

	kp, err := identity.Generate()
	require.NoError(t, err)
	reg := register.New(kp.Address(), register.DefaultOptions())
	r := New(kp, packet.NetworkIDFromString("test"), reg)

	r.LearnRoute(peerAddr, register.Handle(1), HandshakeLearned)
	r.LearnRoute(peerAddr, register.Handle(2), Observed)

	h, ok := r.resolve(peerAddr)
	require.True(t, ok)
	require.Equal(t, register.Handle(1), h)
}

func TestForgetRouteRemovesEntry(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	reg := register.New(kp.Address(), register.DefaultOptions())
	r := New(kp, packet.NetworkIDFromString("test"), reg)

	var peerAddr identity.Address
	peerAddr[0] = 9
	r.LearnRoute(peerAddr, register.Handle(1), Observed)
	r.ForgetRoute(peerAddr)

	_, ok := r.resolve(peerAddr)
	require.False(t, ok)
}

func TestShutdownFailsOutstandingPromises(t *testing.T) {
	link := newTestLink(t)

	prom, err := link.aRouter.Exchange(link.bKP.Address(), 5, 5, []byte("x"), 5*time.Second)
	require.NoError(t, err)

	link.aRouter.Shutdown()

	_, err = prom.Await()
	require.ErrorIs(t, err, ErrShuttingDown)
}
