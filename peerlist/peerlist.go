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

// Package peerlist implements the PeerConnectionList of spec.md section
// 4.4: the desired-peer set the tracker and clients write to, and the
// periodic reconciliation against the live connection set that produces
// Open and Close requests.
package peerlist

import (
	"sort"
	"sync"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/logger"
)

// Confidence is the trust level assigned to a desired peer.
type Confidence int

const (
	Default Confidence = iota
	Whitelist
	Blacklist
)

// Never is the sentinel expiry meaning "keep this entry indefinitely".
var Never = time.Time{}

// DesiredPeer is one entry in the desired set.
type DesiredPeer struct {
	Address    identity.Address
	URI        string
	Expiry     time.Time
	Confidence Confidence

	lastAttempt time.Time
	attempts    int
}

// Expired reports whether the entry's expiry has passed as of now. A
// zero Expiry (Never) entries never expire.
func (p DesiredPeer) Expired(now time.Time) bool {
	if p.Expiry.IsZero() {
		return false
	}
	return now.After(p.Expiry)
}

// Request describes an action the caller should take in response to a
// reconciliation tick.
type Request struct {
	Address identity.Address
	URI     string
	Open    bool // false means Close
}

// List holds the desired peer set and reconciles it against the live
// connection set on each Tick.
type List struct {
	log *logger.StructuredLogger

	mu      sync.Mutex
	desired map[identity.Address]*DesiredPeer

	// MaxConnected caps the number of outgoing connections kept open:
	// Open requests are not limited by it, but surplus outgoing peers
	// beyond the cap are closed, oldest connection first.
	MaxConnected int
	// Backoff bounds how often an Open is requested again for the same
	// desired peer while it stays unconnected.
	Backoff conn.Backoff
}

// New creates an empty PeerConnectionList.
func New(maxConnected int) *List {
	return &List{
		log:          logger.GetDefaultLogger(),
		desired:      make(map[identity.Address]*DesiredPeer),
		MaxConnected: maxConnected,
		Backoff:      conn.DefaultBackoff(),
	}
}

// AddDesired adds or refreshes a desired peer, an expiry in the past
// makes it immediately eligible for eviction on the next tick (a no-op
// entry), matching spec.md section 6's "ConnectTo with expiry in the
// past is a no-op" rule at the Muddle facade layer.
func (l *List) AddDesired(addr identity.Address, uri string, expiry time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.desired[addr]
	if ok {
		existing.URI = uri
		existing.Expiry = expiry
		return
	}
	l.desired[addr] = &DesiredPeer{Address: addr, URI: uri, Expiry: expiry}
}

// RemoveDesired drops addr from the desired set immediately.
func (l *List) RemoveDesired(addr identity.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.desired, addr)
}

// SetConfidence updates the trust level of a desired peer, adding it
// with a Never expiry if not already present (used to blacklist a peer
// the caller has never explicitly dialed).
func (l *List) SetConfidence(addr identity.Address, c Confidence) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.desired[addr]
	if !ok {
		entry = &DesiredPeer{Address: addr, Expiry: Never}
		l.desired[addr] = entry
	}
	entry.Confidence = c
}

// Get returns the desired-set entry for addr, if any.
func (l *List) Get(addr identity.Address) (DesiredPeer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.desired[addr]
	if !ok {
		return DesiredPeer{}, false
	}
	return *e, true
}

// ConnectedPeer is the subset of register.Entry information the
// reconciliation tick needs; kept decoupled from the register package
// so peerlist has no import-time dependency on it.
type ConnectedPeer struct {
	Address     identity.Address
	Direction   conn.Direction
	ConnectedAt time.Time
}

// Tick reconciles the desired set against connected, returning the
// Open/Close requests the caller (tracker or muddle facade) should act
// on. Expired entries are dropped from the desired set as a side effect.
func (l *List) Tick(now time.Time, connected []ConnectedPeer) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	for addr, e := range l.desired {
		if e.Expired(now) {
			delete(l.desired, addr)
		}
	}

	connectedByAddr := make(map[identity.Address]ConnectedPeer, len(connected))
	var outgoing []ConnectedPeer
	for _, c := range connected {
		connectedByAddr[c.Address] = c
		if c.Direction == conn.Outgoing {
			outgoing = append(outgoing, c)
		}
	}

	var requests []Request

	// Blacklisted peers: never open, close an outgoing connection to them.
	for addr, e := range l.desired {
		if e.Confidence != Blacklist {
			continue
		}
		if c, ok := connectedByAddr[addr]; ok && c.Direction == conn.Outgoing {
			requests = append(requests, Request{Address: addr, Open: false})
		}
	}

	// Missing desired peers whose backoff window has elapsed: Open.
	for addr, e := range l.desired {
		if e.Confidence == Blacklist {
			continue
		}
		if _, ok := connectedByAddr[addr]; ok {
			continue
		}
		if !e.lastAttempt.IsZero() {
			wait := l.Backoff.Next(e.attempts)
			if now.Before(e.lastAttempt.Add(wait)) {
				continue
			}
		}
		e.lastAttempt = now
		e.attempts++
		requests = append(requests, Request{Address: addr, URI: e.URI, Open: true})
	}

	// Surplus connected outgoing peers beyond MaxConnected: close
	// least-recently-useful (oldest ConnectedAt) first, skipping
	// whitelisted peers.
	if l.MaxConnected > 0 && len(outgoing) > l.MaxConnected {
		sort.Slice(outgoing, func(i, j int) bool {
			return outgoing[i].ConnectedAt.Before(outgoing[j].ConnectedAt)
		})
		surplus := len(outgoing) - l.MaxConnected
		closed := 0
		for _, c := range outgoing {
			if closed >= surplus {
				break
			}
			if e, ok := l.desired[c.Address]; ok && e.Confidence == Whitelist {
				continue
			}
			requests = append(requests, Request{Address: c.Address, Open: false})
			closed++
		}
	}

	return requests
}

// Len returns the number of entries in the desired set.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.desired)
}

// Addresses returns every address currently in the desired set.
func (l *List) Addresses() []identity.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]identity.Address, 0, len(l.desired))
	for addr := range l.desired {
		out = append(out, addr)
	}
	return out
}
