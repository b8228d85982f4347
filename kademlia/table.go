// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package kademlia implements the KademliaTable of spec.md section 4.6: a
// bounded, bucketed index of peer addresses this node has observed,
// ranked by XOR distance from its own address, used by the peer tracker
// to pick new connection candidates when the desired peer set is under
// its target size.
package kademlia

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/internal/metrics"
)

// NumBuckets is the number of XOR-distance buckets, one per bit of the
// 256-bit address space.
const NumBuckets = identity.AddressSize * 8

// BucketSize is the maximum number of entries held in a single bucket,
// matching the conventional Kademlia k=20.
const BucketSize = 20

// GracePeriod is the minimum age an existing, zero-failure entry must
// have reached before it can be evicted to make room for a newly seen
// peer. Below this age the new peer is the one discarded instead; see
// ReportExistence.
const GracePeriod = 5 * time.Minute

// ErrSelf is returned when asked to bucket the table's own address.
var ErrSelf = errors.New("kademlia: refusing to bucket own address")

// PeerInfo is a single routable peer as known to the table.
type PeerInfo struct {
	Address      identity.Address
	URI          string
	LastSeen     time.Time
	FailureCount int
}

// Table is a node's view of the network, organized as 256 buckets keyed
// by the index of the highest bit at which a peer's address differs
// from this node's own address (bucket 255 holds only the very closest
// peers this node has observed; bucket 0 the very farthest).
type Table struct {
	own identity.Address
	log *logger.StructuredLogger

	mu      sync.RWMutex
	buckets [NumBuckets][]PeerInfo
}

// New creates an empty table for a node whose own address is own.
func New(own identity.Address) *Table {
	return &Table{own: own, log: logger.GetDefaultLogger()}
}

// BucketIndex returns the bucket that addr falls into relative to own,
// and false if addr equals own (which has no meaningful bucket).
func BucketIndex(own, addr identity.Address) (int, bool) {
	if addr == own {
		return 0, false
	}
	dist := identity.XorDistance(own, addr)
	return identity.LeadingZeroBits(dist), true
}

// ReportExistence records that addr is reachable at uri, as observed
// directly or relayed by another peer. If addr's bucket is full, the
// oldest entry is evicted to make room unless that entry has never
// failed and was last seen within GracePeriod, in which case the new
// sighting is the one discarded: live, healthy peers are not displaced
// by a peer merely being mentioned.
func (t *Table) ReportExistence(addr identity.Address, uri string) error {
	idx, ok := BucketIndex(t.own, addr)
	if !ok {
		return ErrSelf
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i := range bucket {
		if bucket[i].Address == addr {
			bucket[i].URI = uri
			bucket[i].LastSeen = time.Now()
			bucket[i].FailureCount = 0
			t.touchLocked(idx, i)
			return nil
		}
	}

	entry := PeerInfo{Address: addr, URI: uri, LastSeen: time.Now()}
	if len(bucket) < BucketSize {
		t.buckets[idx] = append(bucket, entry)
		metrics.KademliaBucketSize.Set(float64(t.lenLocked()))
		return nil
	}

	oldest := 0
	for i := 1; i < len(bucket); i++ {
		if bucket[i].LastSeen.Before(bucket[oldest].LastSeen) {
			oldest = i
		}
	}
	candidate := bucket[oldest]
	if candidate.FailureCount == 0 && time.Since(candidate.LastSeen) < GracePeriod {
		t.log.Debug("discarding new peer, bucket full of healthy entries",
			logger.String("addr", addr.String()))
		return nil
	}
	bucket[oldest] = entry
	return nil
}

// lenLocked returns the total peer count; callers must hold t.mu.
func (t *Table) lenLocked() int {
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// touchLocked moves bucket[idx][pos] to the tail, marking it most
// recently used; callers must hold t.mu.
func (t *Table) touchLocked(idx, pos int) {
	b := t.buckets[idx]
	entry := b[pos]
	b = append(b[:pos], b[pos+1:]...)
	t.buckets[idx] = append(b, entry)
}

// ReportFailure records a failed dial or handshake against addr,
// increasing its eviction priority without removing it outright. A
// single failure is enough for a bucket's oldest entry to be replaced
// by the next new peer reported into that full bucket.
func (t *Table) ReportFailure(addr identity.Address) {
	idx, ok := BucketIndex(t.own, addr)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i := range bucket {
		if bucket[i].Address == addr {
			bucket[i].FailureCount++
			return
		}
	}
}

// Remove deletes addr from the table entirely.
func (t *Table) Remove(addr identity.Address) {
	idx, ok := BucketIndex(t.own, addr)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i := range bucket {
		if bucket[i].Address == addr {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			metrics.KademliaBucketSize.Set(float64(t.lenLocked()))
			return
		}
	}
}

// ClosestTo returns up to k entries ranked by ascending XOR distance to
// target, excluding the table's own address.
func (t *Table) ClosestTo(target identity.Address, k int) []PeerInfo {
	metrics.KademliaLookups.WithLabelValues("closest").Inc()
	t.mu.RLock()
	all := make([]PeerInfo, 0, NumBuckets*BucketSize/4)
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := identity.XorDistance(target, all[i].Address)
		dj := identity.XorDistance(target, all[j].Address)
		return lessDistance(di, dj)
	})
	if k < len(all) {
		all = all[:k]
	}
	return all
}

func lessDistance(a, b [identity.AddressSize]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// RandomSample returns up to k entries drawn across all non-empty
// buckets, used by the peer tracker to diversify dial candidates beyond
// pure closest-distance selection.
func (t *Table) RandomSample(k int) []PeerInfo {
	metrics.KademliaLookups.WithLabelValues("random").Inc()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []PeerInfo
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	if k >= len(all) {
		return all
	}

	// Fisher-Yates partial shuffle using a time-seeded, non-crypto source
	// is unnecessary determinism to avoid here; callers needing
	// reproducible samples should drive selection from ClosestTo instead.
	out := make([]PeerInfo, len(all))
	copy(out, all)
	for i := 0; i < k; i++ {
		j := i + pseudoIndex(i, len(out)-i)
		out[i], out[j] = out[j], out[i]
	}
	return out[:k]
}

// pseudoIndex derives a pseudo-random offset in [0, n) by mixing seed
// with the current wall-clock nanoseconds, avoiding a dependency on
// math/rand seeding for what is only a diversity heuristic.
func pseudoIndex(seed, n int) int {
	if n <= 0 {
		return 0
	}
	x := uint64(seed)*2654435761 + uint64(time.Now().UnixNano())
	return int(x % uint64(n))
}

// Len returns the total number of peers known across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// All returns every known peer, unsorted.
func (t *Table) All() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var all []PeerInfo
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	return all
}
