package kademlia

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/stretchr/testify/require"
)

func addr(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

func TestReportExistenceAndLookup(t *testing.T) {
	own := addr(0x00)
	tbl := New(own)

	a1 := addr(0xFF)
	require.NoError(t, tbl.ReportExistence(a1, "tcp://peer1"))
	require.Equal(t, 1, tbl.Len())

	all := tbl.All()
	require.Len(t, all, 1)
	require.Equal(t, a1, all[0].Address)
	require.Equal(t, "tcp://peer1", all[0].URI)
}

func TestReportExistenceRefusesSelf(t *testing.T) {
	own := addr(0x01)
	tbl := New(own)
	err := tbl.ReportExistence(own, "tcp://self")
	require.ErrorIs(t, err, ErrSelf)
	require.Equal(t, 0, tbl.Len())
}

func TestReportExistenceUpdatesExisting(t *testing.T) {
	own := addr(0x00)
	tbl := New(own)
	a1 := addr(0x10)

	require.NoError(t, tbl.ReportExistence(a1, "tcp://old"))
	require.NoError(t, tbl.ReportExistence(a1, "tcp://new"))

	require.Equal(t, 1, tbl.Len())
	all := tbl.All()
	require.Equal(t, "tcp://new", all[0].URI)
}

func TestBucketEvictsFailedPeerOverHealthyOne(t *testing.T) {
	own := addr(0x00)
	tbl := New(own)

	// Fill one bucket (same leading-zero-bit count as own ^ addr) to
	// capacity with healthy, just-seen entries, then force the oldest
	// one to have failed so eviction targets it instead of the newcomer.
	// idx sits on a byte boundary (bit 0 of byte 31) so the remaining
	// 7 low bits of that byte can vary freely to keep every address in
	// the same bucket while still being distinct.
	const idx = 248
	const byteOff = idx / 8
	for i := 0; i < BucketSize; i++ {
		var a identity.Address
		a[byteOff] = own[byteOff] ^ 0x80 | byte(i+1)
		require.NoError(t, tbl.ReportExistence(a, "tcp://x"))
	}
	require.Len(t, tbl.buckets[idx], BucketSize)

	// Mark the first entry as failed and old.
	tbl.mu.Lock()
	tbl.buckets[idx][0].FailureCount = 3
	tbl.buckets[idx][0].LastSeen = time.Now().Add(-time.Hour)
	tbl.mu.Unlock()

	var newcomer identity.Address
	newcomer[byteOff] = own[byteOff] ^ 0x80 | 0x7A

	require.NoError(t, tbl.ReportExistence(newcomer, "tcp://newcomer"))
	require.Len(t, tbl.buckets[idx], BucketSize)

	found := false
	for _, e := range tbl.buckets[idx] {
		if e.Address == newcomer {
			found = true
		}
	}
	require.True(t, found, "newcomer should have replaced the failed entry")
}

func TestClosestToOrdersByXorDistance(t *testing.T) {
	own := addr(0x00)
	tbl := New(own)

	far := addr(0xFF)
	near := addr(0x01)
	mid := addr(0x0F)
	require.NoError(t, tbl.ReportExistence(far, ""))
	require.NoError(t, tbl.ReportExistence(near, ""))
	require.NoError(t, tbl.ReportExistence(mid, ""))

	target := addr(0x00)
	closest := tbl.ClosestTo(target, 2)
	require.Len(t, closest, 2)
	require.Equal(t, near, closest[0].Address)
	require.Equal(t, mid, closest[1].Address)
}

func TestRandomSampleRespectsK(t *testing.T) {
	own := addr(0x00)
	tbl := New(own)
	for i := 1; i <= 10; i++ {
		require.NoError(t, tbl.ReportExistence(addr(byte(i)), ""))
	}
	sample := tbl.RandomSample(3)
	require.Len(t, sample, 3)

	all := tbl.RandomSample(100)
	require.Len(t, all, 10)
}

func TestDumpAndLoadRoundTrip(t *testing.T) {
	own := addr(0x02)
	tbl := New(own)
	require.NoError(t, tbl.ReportExistence(addr(0x55), "tcp://a"))
	require.NoError(t, tbl.ReportExistence(addr(0x77), "tcp://b"))

	path := filepath.Join(t.TempDir(), "peers.cache")
	require.NoError(t, tbl.Dump(path))

	loaded, err := Load(path, own)
	require.NoError(t, err)
	require.Equal(t, tbl.Len(), loaded.Len())

	byAddr := map[identity.Address]PeerInfo{}
	for _, e := range loaded.All() {
		byAddr[e.Address] = e
	}
	require.Equal(t, "tcp://a", byAddr[addr(0x55)].URI)
	require.Equal(t, "tcp://b", byAddr[addr(0x77)].URI)
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cache")
	require.NoError(t, os.WriteFile(path, []byte{99}, 0o644))

	_, err := Load(path, addr(0x00))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}
