package tracker

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/kademlia"
	"github.com/muddlenet/muddle/peerlist"
	"github.com/muddlenet/muddle/register"
	"github.com/stretchr/testify/require"
)

func fakeConn(t *testing.T) *conn.Conn {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return conn.New(c1, conn.Outgoing)
}

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

func TestTickRequestsDialForDesiredPeer(t *testing.T) {
	own := addr(0)
	table := kademlia.New(own)
	list := peerlist.New(10)
	reg := register.New(own, register.DefaultOptions())
	tr := New(own, table, list, reg, DefaultOptions())

	list.AddDesired(addr(1), "tcp://peer1", peerlist.Never)

	var dialed identity.Address
	tr.SetDialer(func(a identity.Address, uri string) error {
		dialed = a
		return nil
	})

	tr.Tick(time.Now())
	require.Equal(t, addr(1), dialed)
}

func TestTickReportsFailureOnDialError(t *testing.T) {
	own := addr(0)
	table := kademlia.New(own)
	list := peerlist.New(10)
	reg := register.New(own, register.DefaultOptions())
	tr := New(own, table, list, reg, DefaultOptions())

	require.NoError(t, table.ReportExistence(addr(1), "tcp://peer1"))
	list.AddDesired(addr(1), "tcp://peer1", peerlist.Never)
	tr.SetDialer(func(a identity.Address, uri string) error { return errors.New("dial failed") })

	tr.Tick(time.Now())
	all := table.All()
	require.Len(t, all, 1)
	require.Equal(t, 1, all[0].FailureCount)

	// A second tick inside the backoff window does not dial again.
	dials := 0
	tr.SetDialer(func(a identity.Address, uri string) error { dials++; return nil })
	tr.Tick(time.Now().Add(time.Millisecond))
	require.Equal(t, 0, dials)
}

func TestFillDesiredFromKademliaRespectsMaxConnections(t *testing.T) {
	own := addr(0)
	table := kademlia.New(own)
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, table.ReportExistence(addr(i), "tcp://peer"))
	}
	list := peerlist.New(10)
	reg := register.New(own, register.DefaultOptions())
	opts := DefaultOptions()
	opts.MaxKademliaConnections = 2
	opts.MaxLongrangeConnections = 0
	tr := New(own, table, list, reg, opts)

	tr.Tick(time.Now())
	require.Equal(t, 2, list.Len())
}

func TestManifestFetcherCachesResult(t *testing.T) {
	own := addr(0)
	table := kademlia.New(own)
	list := peerlist.New(10)
	reg := register.New(own, register.DefaultOptions())
	tr := New(own, table, list, reg, DefaultOptions())

	calls := 0
	tr.SetManifestFetcher(func(a identity.Address) (Manifest, error) {
		calls++
		return Manifest{1: "tcp://svc1"}, nil
	})

	// Simulate a connected peer by registering a handle with an address.
	c := fakeConn(t)
	h := reg.Register(c, conn.Outgoing)
	require.NoError(t, reg.Update(h, addr(9)))

	tr.Tick(time.Now())
	m, ok := tr.GetManifest(addr(9))
	require.True(t, ok)
	require.Equal(t, "tcp://svc1", m[1])
	require.Equal(t, 1, calls)

	tr.Tick(time.Now())
	require.Equal(t, 1, calls) // within TTL, not refetched
}
