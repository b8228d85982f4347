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

// Package tracker implements the PeerTracker of spec.md section 4.8: a
// single-threaded maintenance loop that reconciles the desired peer
// topology with the live connection set, drives Kademlia-based peer
// discovery, and refreshes cached manifests.
package tracker

import (
	"sync"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/internal/metrics"
	"github.com/muddlenet/muddle/kademlia"
	"github.com/muddlenet/muddle/peerlist"
	"github.com/muddlenet/muddle/register"
)

// Manifest maps a service id to the endpoint hint a node advertises
// for it.
type Manifest map[uint16]string

type cachedManifest struct {
	manifest  Manifest
	updatedAt time.Time
}

// Options configures a Tracker, matching the recognized set of
// spec.md section 4.8.
type Options struct {
	MaxKademliaConnections  int
	MaxLongrangeConnections int
	DisconnectDuplicates    bool
	DisconnectFromSelf      bool
	ManifestTTL             time.Duration
	PersistInterval         int
	TickPeriod              time.Duration
	CachePath               string
}

// DefaultOptions matches the scenario harness's steady-state topology.
func DefaultOptions() Options {
	return Options{
		MaxKademliaConnections:  8,
		MaxLongrangeConnections: 2,
		DisconnectDuplicates:    true,
		DisconnectFromSelf:      true,
		ManifestTTL:             5 * time.Minute,
		PersistInterval:         20,
		TickPeriod:              500 * time.Millisecond,
	}
}

// Dialer opens an outgoing connection to addr, reachable at uri.
type Dialer func(addr identity.Address, uri string) error

// Closer closes any live connection to addr.
type Closer func(addr identity.Address) error

// ManifestFetcher retrieves addr's manifest, typically implemented over
// DiscoveryService via an Exchange request.
type ManifestFetcher func(addr identity.Address) (Manifest, error)

// Tracker drives connectivity for a single node.
type Tracker struct {
	own   identity.Address
	table *kademlia.Table
	list  *peerlist.List
	reg   *register.Register
	log   *logger.StructuredLogger

	optsMu sync.RWMutex
	opts   Options

	dial          Dialer
	closeConn     Closer
	fetchManifest ManifestFetcher

	mu        sync.Mutex
	manifests map[identity.Address]cachedManifest
	ticks     int

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Tracker. Call Start to begin its maintenance loop.
func New(own identity.Address, table *kademlia.Table, list *peerlist.List, reg *register.Register, opts Options) *Tracker {
	return &Tracker{
		own:       own,
		table:     table,
		list:      list,
		reg:       reg,
		opts:      opts,
		log:       logger.GetDefaultLogger(),
		manifests: make(map[identity.Address]cachedManifest),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetDialer installs the callback used to open new outgoing connections.
func (t *Tracker) SetDialer(d Dialer) { t.dial = d }

// SetCloser installs the callback used to close live connections.
func (t *Tracker) SetCloser(c Closer) { t.closeConn = c }

// SetManifestFetcher installs the callback used to refresh a peer's
// cached manifest.
func (t *Tracker) SetManifestFetcher(f ManifestFetcher) { t.fetchManifest = f }

// SetOptions replaces the tracker's configuration, implementing the
// Muddle facade's SetTrackerConfiguration. Safe to call while the
// tracker is running; takes effect on the next tick.
func (t *Tracker) SetOptions(opts Options) {
	t.optsMu.Lock()
	defer t.optsMu.Unlock()
	t.opts = opts
}

func (t *Tracker) getOpts() Options {
	t.optsMu.RLock()
	defer t.optsMu.RUnlock()
	return t.opts
}

// Start begins the periodic maintenance loop on its own goroutine.
func (t *Tracker) Start() {
	t.ticker = time.NewTicker(t.getOpts().TickPeriod)
	go t.run()
}

// Stop halts the maintenance loop and waits for it to exit.
func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case now := <-t.ticker.C:
			t.Tick(now)
		case <-t.stop:
			t.ticker.Stop()
			return
		}
	}
}

// Tick runs one reconciliation pass; exported so tests and the scenario
// harness can drive it deterministically instead of waiting on the
// ticker.
func (t *Tracker) Tick(now time.Time) {
	connected := connectedPeers(t.reg)

	for _, req := range t.list.Tick(now, connected) {
		if req.Open {
			if t.dial == nil {
				continue
			}
			if err := t.dial(req.Address, req.URI); err != nil {
				t.table.ReportFailure(req.Address)
				metrics.TrackerDialResults.WithLabelValues("failure").Inc()
				t.log.Debug("dial failed", logger.String("addr", req.Address.String()), logger.Error(err))
			} else {
				metrics.TrackerDialResults.WithLabelValues("success").Inc()
			}
			continue
		}
		if t.closeConn != nil {
			t.closeConn(req.Address)
		}
	}

	t.fillDesiredFromKademlia(connected)
	t.refreshManifests(now, connected)
	t.persistIfDue()
	metrics.TrackerDesiredPeers.Set(float64(t.list.Len()))
}

func (t *Tracker) fillDesiredFromKademlia(connected []peerlist.ConnectedPeer) {
	opts := t.getOpts()

	outgoing := 0
	for _, c := range connected {
		if c.Direction == conn.Outgoing {
			outgoing++
		}
	}
	need := opts.MaxKademliaConnections - outgoing
	if need <= 0 {
		return
	}

	alreadyWanted := func(addr identity.Address) bool {
		if isConnected(connected, addr) {
			return true
		}
		_, ok := t.list.Get(addr)
		return ok
	}

	added := 0
	for _, c := range t.table.ClosestTo(t.own, need*4+8) {
		if added >= need {
			break
		}
		if alreadyWanted(c.Address) {
			continue
		}
		t.list.AddDesired(c.Address, c.URI, peerlist.Never)
		added++
	}

	if added < need && opts.MaxLongrangeConnections > 0 {
		for _, c := range t.table.RandomSample(opts.MaxLongrangeConnections * 4) {
			if added >= need {
				break
			}
			if alreadyWanted(c.Address) {
				continue
			}
			t.list.AddDesired(c.Address, c.URI, peerlist.Never)
			added++
		}
	}
}

func (t *Tracker) refreshManifests(now time.Time, connected []peerlist.ConnectedPeer) {
	opts := t.getOpts()

	if t.fetchManifest != nil {
		for _, c := range connected {
			t.mu.Lock()
			cached, ok := t.manifests[c.Address]
			t.mu.Unlock()
			if ok && now.Sub(cached.updatedAt) < opts.ManifestTTL {
				continue
			}
			m, err := t.fetchManifest(c.Address)
			if err != nil {
				continue
			}
			t.mu.Lock()
			t.manifests[c.Address] = cachedManifest{manifest: m, updatedAt: now}
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	for addr, c := range t.manifests {
		if now.Sub(c.updatedAt) > 2*opts.ManifestTTL {
			delete(t.manifests, addr)
		}
	}
	t.mu.Unlock()
}

func (t *Tracker) persistIfDue() {
	opts := t.getOpts()
	if opts.CachePath == "" || opts.PersistInterval <= 0 {
		return
	}
	t.ticks++
	if t.ticks%opts.PersistInterval != 0 {
		return
	}
	if err := t.table.Dump(opts.CachePath); err != nil {
		t.log.Warn("failed to persist kademlia table", logger.Error(err))
	}
}

// GetManifest returns the cached manifest for addr, if one is present.
// The age of the entry is not checked here: Tick refetches entries older
// than ManifestTTL and drops those older than twice ManifestTTL.
func (t *Tracker) GetManifest(addr identity.Address) (Manifest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.manifests[addr]
	return c.manifest, ok
}

func connectedPeers(reg *register.Register) []peerlist.ConnectedPeer {
	entries := reg.Entries()
	out := make([]peerlist.ConnectedPeer, 0, len(entries))
	for _, e := range entries {
		if !e.HasAddress {
			continue
		}
		out = append(out, peerlist.ConnectedPeer{Address: e.Address, Direction: e.Direction, ConnectedAt: e.ConnectedAt})
	}
	return out
}

func isConnected(connected []peerlist.ConnectedPeer, addr identity.Address) bool {
	for _, c := range connected {
		if c.Address == addr {
			return true
		}
	}
	return false
}
