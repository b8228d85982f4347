package conn

import (
	"net"
	"testing"
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
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

	client := New(clientNC, Outgoing)
	server := New(serverNC, Incoming)
	return client, server
}

func testPacket(t *testing.T, payload string) *packet.Packet {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	p := packet.New(1, 1, kp.Address(), []byte(payload))
	p.Sign(kp)
	return p
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	received := make(chan *packet.Packet, 1)
	go server.Run(func(p *packet.Packet) {
		received <- p
	}, nil)
	go client.Run(nil, nil)

	p := testPacket(t, "hello")
	require.NoError(t, client.Send(p))

	select {
	case got := <-received:
		require.Equal(t, p.Payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestSendFailsWhenOverloaded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		sc, _ := ln.Accept()
		serverCh <- sc
	}()
	clientNC, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-serverCh // accept but never read, to fill the client's OS+app buffers

	client := New(clientNC, Outgoing, WithHighWaterMark(2))
	defer client.Close()

	// Don't start Run/writeLoop so the channel itself fills up.
	p := testPacket(t, "x")
	require.NoError(t, client.Send(p))
	require.NoError(t, client.Send(p))
	err = client.Send(p)
	require.ErrorIs(t, err, ErrOverloaded)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := pipeConns(t)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.Equal(t, Closed, client.State())
}

func TestStateTransitions(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	require.Equal(t, Connecting, client.State())
	client.SetState(Connected)
	require.Equal(t, Connected, client.State())
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	require.Equal(t, 100*time.Millisecond, b.Next(0))
	require.Equal(t, 200*time.Millisecond, b.Next(1))
	require.Equal(t, 400*time.Millisecond, b.Next(2))
	require.Equal(t, time.Second, b.Next(10))
}
