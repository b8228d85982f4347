package peerlist

import (
	"testing"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/stretchr/testify/require"
)

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

func TestAddDesiredAndGet(t *testing.T) {
	l := New(10)
	l.AddDesired(addr(1), "tcp://a", Never)
	e, ok := l.Get(addr(1))
	require.True(t, ok)
	require.Equal(t, "tcp://a", e.URI)
}

func TestTickRequestsOpenForMissingDesiredPeer(t *testing.T) {
	l := New(10)
	l.AddDesired(addr(1), "tcp://a", Never)

	reqs := l.Tick(time.Now(), nil)
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].Open)
	require.Equal(t, addr(1), reqs[0].Address)
}

func TestTickSkipsAlreadyConnectedPeer(t *testing.T) {
	l := New(10)
	l.AddDesired(addr(1), "tcp://a", Never)

	connected := []ConnectedPeer{{Address: addr(1), Direction: conn.Outgoing, ConnectedAt: time.Now()}}
	reqs := l.Tick(time.Now(), connected)
	require.Empty(t, reqs)
}

func TestTickDropsExpiredEntry(t *testing.T) {
	l := New(10)
	l.AddDesired(addr(1), "tcp://a", time.Now().Add(-time.Minute))
	l.Tick(time.Now(), nil)
	require.Equal(t, 0, l.Len())
}

func TestTickClosesBlacklistedConnectedPeer(t *testing.T) {
	l := New(10)
	l.SetConfidence(addr(1), Blacklist)

	connected := []ConnectedPeer{{Address: addr(1), Direction: conn.Outgoing, ConnectedAt: time.Now()}}
	reqs := l.Tick(time.Now(), connected)
	require.Len(t, reqs, 1)
	require.False(t, reqs[0].Open)
}

func TestTickNeverOpensBlacklistedPeer(t *testing.T) {
	l := New(10)
	l.SetConfidence(addr(1), Blacklist)
	reqs := l.Tick(time.Now(), nil)
	require.Empty(t, reqs)
}

func TestTickClosesSurplusBeyondMaxConnected(t *testing.T) {
	l := New(1)
	now := time.Now()
	connected := []ConnectedPeer{
		{Address: addr(1), Direction: conn.Outgoing, ConnectedAt: now.Add(-time.Minute)},
		{Address: addr(2), Direction: conn.Outgoing, ConnectedAt: now},
	}
	reqs := l.Tick(now, connected)
	require.Len(t, reqs, 1)
	require.False(t, reqs[0].Open)
	require.Equal(t, addr(1), reqs[0].Address) // oldest, least-recently-useful
}

func TestTickRespectsBackoffBetweenOpenAttempts(t *testing.T) {
	l := New(10)
	l.Backoff = conn.Backoff{Initial: time.Minute, Max: time.Hour, Factor: 2}
	l.AddDesired(addr(1), "tcp://a", Never)

	now := time.Now()
	reqs := l.Tick(now, nil)
	require.Len(t, reqs, 1)

	// Immediately ticking again should not re-request within the backoff window.
	reqs = l.Tick(now.Add(time.Second), nil)
	require.Empty(t, reqs)
}

func TestWhitelistedPeerSurvivesSurplusEviction(t *testing.T) {
	l := New(1)
	l.SetConfidence(addr(1), Whitelist)
	now := time.Now()
	connected := []ConnectedPeer{
		{Address: addr(1), Direction: conn.Outgoing, ConnectedAt: now.Add(-time.Minute)},
		{Address: addr(2), Direction: conn.Outgoing, ConnectedAt: now},
	}
	reqs := l.Tick(now, connected)
	require.Len(t, reqs, 1)
	require.Equal(t, addr(2), reqs[0].Address)
}
