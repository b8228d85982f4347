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

// Package register implements the ConnectionRegister of spec.md section
// 4.3: the authoritative in-memory index of all live connections, keyed
// by an opaque integer handle. It also implements the duplicate-link
// tiebreak shared between the register and the direct-message handshake.
package register

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/internal/metrics"
)

// Handle is an opaque integer identifying a specific live connection,
// stable for the life of the connection.
type Handle uint64

// ErrDuplicateLink is the close reason applied to the losing side of a
// simultaneous-dial tiebreak.
var ErrDuplicateLink = errors.New("register: duplicate link closed by tiebreak")

// ErrSelfConnection is the close reason applied to a loopback dial when
// self-connections are disabled.
var ErrSelfConnection = errors.New("register: self-connection closed")

// ErrNotFound is returned by Lookup operations for an unknown handle.
var ErrNotFound = errors.New("register: handle not found")

// Entry is a registered connection's metadata.
type Entry struct {
	Handle      Handle
	Conn        *conn.Conn
	Direction   conn.Direction
	Address     identity.Address
	HasAddress  bool
	ConnectedAt time.Time
}

// Options configures duplicate-link and self-connection policy.
type Options struct {
	DisconnectDuplicates bool
	DisconnectFromSelf   bool
}

// DefaultOptions matches spec.md section 4.3: both policies on by default.
func DefaultOptions() Options {
	return Options{DisconnectDuplicates: true, DisconnectFromSelf: true}
}

// Register is the canonical table of live connections.
type Register struct {
	own     identity.Address
	opts    Options
	log     *logger.StructuredLogger
	nextID  uint64
	mu      sync.RWMutex
	byID    map[Handle]*Entry
	byAddr  map[identity.Address]map[Handle]struct{}
	counts  map[conn.Direction]int
}

// New creates a ConnectionRegister for a node whose own address is own.
func New(own identity.Address, opts Options) *Register {
	return &Register{
		own:    own,
		opts:   opts,
		log:    logger.GetDefaultLogger(),
		byID:   make(map[Handle]*Entry),
		byAddr: make(map[identity.Address]map[Handle]struct{}),
		counts: make(map[conn.Direction]int),
	}
}

// Register assigns a new handle to c and records it as live.
func (r *Register) Register(c *conn.Conn, direction conn.Direction) Handle {
	h := Handle(atomic.AddUint64(&r.nextID, 1))

	r.mu.Lock()
	r.byID[h] = &Entry{
		Handle:      h,
		Conn:        c,
		Direction:   direction,
		ConnectedAt: time.Now(),
	}
	r.counts[direction]++
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(direction.String()).Inc()
	return h
}

// Update is called exactly once per connection, when the handshake
// learns the connection's remote address. It applies the duplicate-link
// and self-connection policies of spec.md section 4.3, closing and
// unregistering whichever side loses.
func (r *Register) Update(h Handle, addr identity.Address) error {
	r.mu.Lock()
	entry, ok := r.byID[h]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	entry.Address = addr
	entry.HasAddress = true
	if r.byAddr[addr] == nil {
		r.byAddr[addr] = make(map[Handle]struct{})
	}
	r.byAddr[addr][h] = struct{}{}

	if r.opts.DisconnectFromSelf && addr == r.own {
		r.removeLocked(h)
		r.mu.Unlock()
		entry.Conn.Close()
		metrics.ConnectionsOpened.WithLabelValues(entry.Direction.String(), "self").Inc()
		metrics.ConnectionsClosed.WithLabelValues("self").Inc()
		r.log.Debug("closing self-connection", logger.String("addr", addr.String()))
		return ErrSelfConnection
	}

	var loser *Entry
	if r.opts.DisconnectDuplicates {
		for other := range r.byAddr[addr] {
			if other == h {
				continue
			}
			otherEntry := r.byID[other]
			if otherEntry == nil || otherEntry.Direction == entry.Direction {
				continue
			}
			// Deterministic tiebreak: own < remote keeps outgoing, else incoming.
			keepOutgoing := r.own.Less(addr)
			var winner, candidateLoser *Entry
			if entry.Direction == conn.Outgoing {
				if keepOutgoing {
					winner, candidateLoser = entry, otherEntry
				} else {
					winner, candidateLoser = otherEntry, entry
				}
			} else {
				if keepOutgoing {
					winner, candidateLoser = otherEntry, entry
				} else {
					winner, candidateLoser = entry, otherEntry
				}
			}
			_ = winner
			loser = candidateLoser
			break
		}
	}

	var loserHandle Handle
	var loserConn *conn.Conn
	if loser != nil {
		loserHandle = loser.Handle
		loserConn = loser.Conn
		r.removeLocked(loserHandle)
	}
	r.mu.Unlock()

	if loserConn != nil {
		loserConn.Close()
		metrics.ConnectionsClosed.WithLabelValues("duplicate").Inc()
		r.log.Debug("closed duplicate link", logger.String("addr", addr.String()),
			logger.Any("losing_handle", loserHandle))
		return fmt.Errorf("%w: %s", ErrDuplicateLink, addr)
	}
	metrics.ConnectionsOpened.WithLabelValues(entry.Direction.String(), "success").Inc()
	return nil
}

// Lookup returns the entry for handle.
func (r *Register) Lookup(h Handle) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[h]
	return e, ok
}

// LookupByAddress returns every live handle registered under addr; more
// than one means duplicate links to addr, which persist when
// DisconnectDuplicates is off.
func (r *Register) LookupByAddress(addr identity.Address) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for h := range r.byAddr[addr] {
		if e, ok := r.byID[h]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Unregister removes handle from the register.
func (r *Register) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(h)
}

func (r *Register) removeLocked(h Handle) {
	entry, ok := r.byID[h]
	if !ok {
		return
	}
	delete(r.byID, h)
	r.counts[entry.Direction]--
	metrics.ConnectionsActive.WithLabelValues(entry.Direction.String()).Dec()
	if entry.HasAddress {
		if set, ok := r.byAddr[entry.Address]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(r.byAddr, entry.Address)
			}
		}
	}
}

// CountByDirection returns the number of live connections in the given
// direction.
func (r *Register) CountByDirection(d conn.Direction) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[d]
}

// Len returns the total number of live connections.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Entries returns a snapshot of every live connection entry, used by the
// router to enumerate broadcast targets and by the peer list to compare
// the desired set against what is actually connected.
func (r *Register) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Addresses returns every distinct address with at least one live link.
func (r *Register) Addresses() []identity.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]identity.Address, 0, len(r.byAddr))
	for addr := range r.byAddr {
		out = append(out, addr)
	}
	return out
}
