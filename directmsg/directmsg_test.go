package directmsg

import (
	"net"
	"testing"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*conn.Conn, *conn.Conn) {
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

	client := conn.New(clientNC, conn.Outgoing)
	server := conn.New(serverNC, conn.Incoming)
	return client, server
}

func TestHandshakeSucceedsBothSides(t *testing.T) {
	clientConn, serverConn := pipeConns(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientKP, err := identity.Generate()
	require.NoError(t, err)
	serverKP, err := identity.Generate()
	require.NoError(t, err)

	clientDemux := NewDemux()
	serverDemux := NewDemux()
	go clientConn.Run(clientDemux.OnPacket, nil)
	go serverConn.Run(serverDemux.OnPacket, nil)

	netID := packet.NetworkIDFromString("abcd")
	cfg := Config{NetworkID: netID, ListenURIs: []string{"tcp://client"}, Timeout: 2 * time.Second}
	serverCfg := Config{NetworkID: netID, ListenURIs: []string{"tcp://server"}, Timeout: 2 * time.Second}

	clientResCh := make(chan *Result, 1)
	clientErrCh := make(chan error, 1)
	go func() {
		res, err := PerformHandshake(clientConn, clientDemux, clientKP, cfg, []PeerHint{{Address: serverKP.Address(), URI: "tcp://hint"}})
		clientResCh <- res
		clientErrCh <- err
	}()

	serverRes, serverErr := PerformHandshake(serverConn, serverDemux, serverKP, serverCfg, nil)
	require.NoError(t, serverErr)
	require.Equal(t, clientKP.Address(), serverRes.Peer.Address)
	require.Equal(t, []string{"tcp://client"}, serverRes.Peer.ListenURIs)

	clientRes := <-clientResCh
	require.NoError(t, <-clientErrCh)
	require.Equal(t, serverKP.Address(), clientRes.Peer.Address)
	require.Len(t, serverRes.Digest, 1)
	require.Equal(t, serverKP.Address(), serverRes.Digest[0].Address)
}

func TestHandshakeFailsOnNetworkMismatch(t *testing.T) {
	clientConn, serverConn := pipeConns(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientKP, err := identity.Generate()
	require.NoError(t, err)
	serverKP, err := identity.Generate()
	require.NoError(t, err)

	clientDemux := NewDemux()
	serverDemux := NewDemux()
	go clientConn.Run(clientDemux.OnPacket, nil)
	go serverConn.Run(serverDemux.OnPacket, nil)

	cfgA := Config{NetworkID: packet.NetworkIDFromString("aaaa"), Timeout: 2 * time.Second}
	cfgB := Config{NetworkID: packet.NetworkIDFromString("bbbb"), Timeout: 2 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(clientConn, clientDemux, clientKP, cfgA, nil)
		errCh <- err
	}()

	_, serverErr := PerformHandshake(serverConn, serverDemux, serverKP, cfgB, nil)
	require.ErrorIs(t, serverErr, ErrNetworkMismatch)
	require.ErrorIs(t, <-errCh, ErrNetworkMismatch)
}

func TestHandshakeTimesOutWithoutPeer(t *testing.T) {
	clientConn, serverConn := pipeConns(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientKP, err := identity.Generate()
	require.NoError(t, err)

	clientDemux := NewDemux()
	go clientConn.Run(clientDemux.OnPacket, nil)
	// server side never runs a handshake or Run loop.

	cfg := Config{NetworkID: packet.NetworkIDFromString("test"), Timeout: 100 * time.Millisecond}
	_, err = PerformHandshake(clientConn, clientDemux, clientKP, cfg, nil)
	require.ErrorIs(t, err, ErrBadHandshake)
}

func TestDemuxForwardsPostHandshakePackets(t *testing.T) {
	clientConn, serverConn := pipeConns(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientKP, err := identity.Generate()
	require.NoError(t, err)
	serverKP, err := identity.Generate()
	require.NoError(t, err)

	clientDemux := NewDemux()
	serverDemux := NewDemux()
	go clientConn.Run(clientDemux.OnPacket, nil)
	go serverConn.Run(serverDemux.OnPacket, nil)

	netID := packet.NetworkIDFromString("test")
	cfg := Config{NetworkID: netID, Timeout: 2 * time.Second}

	go PerformHandshake(clientConn, clientDemux, clientKP, cfg, nil)
	_, err = PerformHandshake(serverConn, serverDemux, serverKP, cfg, nil)
	require.NoError(t, err)

	received := make(chan *packet.Packet, 1)
	serverDemux.SetForward(func(p *packet.Packet) { received <- p })

	p := packet.New(7, 7, clientKP.Address(), []byte("app data"))
	p.Target = serverKP.Address()
	p.Sign(clientKP)
	require.NoError(t, clientConn.Send(p))

	select {
	case got := <-received:
		require.Equal(t, []byte("app data"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded packet")
	}
}
