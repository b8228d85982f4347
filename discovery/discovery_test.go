package discovery

import (
	"testing"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/kademlia"
	"github.com/muddlenet/muddle/tracker"
	"github.com/stretchr/testify/require"
)

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

func TestHandleRequestReturnsManifest(t *testing.T) {
	own := addr(1)
	svc := New(own, func() tracker.Manifest { return tracker.Manifest{5: "tcp://svc5"} }, nil)

	reqPayload, err := EncodeRequest(Request{})
	require.NoError(t, err)

	respPayload, err := svc.HandleRequest(reqPayload)
	require.NoError(t, err)

	resp, err := ParseResponse(respPayload)
	require.NoError(t, err)
	require.Equal(t, "tcp://svc5", resp.Manifest[5])
	require.Empty(t, resp.Peers)
}

func TestHandleRequestIncludesPeerSample(t *testing.T) {
	own := addr(1)
	table := kademlia.New(own)
	require.NoError(t, table.ReportExistence(addr(2), "tcp://peer2"))
	require.NoError(t, table.ReportExistence(addr(3), "tcp://peer3"))

	svc := New(own, func() tracker.Manifest { return nil }, table)

	reqPayload, err := EncodeRequest(Request{IncludePeerSample: true, SampleSize: 5})
	require.NoError(t, err)

	respPayload, err := svc.HandleRequest(reqPayload)
	require.NoError(t, err)

	resp, err := ParseResponse(respPayload)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
}

func TestHandleRequestRejectsMalformedPayload(t *testing.T) {
	svc := New(addr(1), func() tracker.Manifest { return nil }, nil)
	_, err := svc.HandleRequest([]byte("not json"))
	require.Error(t, err)
}
