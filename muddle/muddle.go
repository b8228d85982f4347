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

package muddle

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/directmsg"
	"github.com/muddlenet/muddle/discovery"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/kademlia"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/peerlist"
	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/router"
	"github.com/muddlenet/muddle/tracker"
)

// Muddle is a single overlay node: the composition root wiring register,
// router, Kademlia table, peer list, tracker, and direct-message service
// together, per spec.md section 4.9.
type Muddle struct {
	cfg Config
	own identity.Address
	log *logger.StructuredLogger

	reg     *register.Register
	rtr     *router.Router
	table   *kademlia.Table
	list    *peerlist.List
	tracker *tracker.Tracker
	disc    *discovery.Service

	manifestMu sync.RWMutex
	manifest   tracker.Manifest

	mu         sync.Mutex
	listeners  []net.Listener
	listenURIs []string
	keepalives map[register.Handle]*directmsg.Keepalive

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a node from cfg. Call Start to begin listening and
// connecting.
func New(cfg Config) *Muddle {
	own := cfg.KeyPair.Address()

	reg := register.New(own, cfg.RegisterOptions)

	table := kademlia.New(own)
	if cfg.CachePath != "" {
		if loaded, err := kademlia.Load(cfg.CachePath, own); err == nil {
			table = loaded
		}
	}

	trackerOpts := cfg.TrackerOptions
	if trackerOpts.CachePath == "" {
		trackerOpts.CachePath = cfg.CachePath
	}
	maxConnected := trackerOpts.MaxKademliaConnections + trackerOpts.MaxLongrangeConnections
	list := peerlist.New(maxConnected)

	m := &Muddle{
		cfg:        cfg,
		own:        own,
		log:        logger.GetDefaultLogger(),
		reg:        reg,
		table:      table,
		list:       list,
		manifest:   make(tracker.Manifest),
		keepalives: make(map[register.Handle]*directmsg.Keepalive),
		stopped:    make(chan struct{}),
	}

	m.rtr = router.New(cfg.KeyPair, cfg.NetworkID, reg, router.WithNextHop(m.resolveNextHop))
	m.tracker = tracker.New(own, table, list, reg, trackerOpts)
	m.disc = discovery.New(own, m.getManifest, table)
	m.rtr.HandleRPC(discovery.ServiceID, discovery.ChannelID, func(req *packet.Packet) ([]byte, error) {
		return m.disc.HandleRequest(req.Payload)
	})

	return m
}

// GetAddress returns the node's own address.
func (m *Muddle) GetAddress() identity.Address { return m.own }

// Start opens a listener on each of ports (0 requests an ephemeral port
// from the OS), begins accepting and handshaking incoming connections,
// and starts the peer tracker's maintenance loop.
func (m *Muddle) Start(ports []int) error {
	m.mu.Lock()
	for _, port := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, opened := range m.listeners {
				opened.Close()
			}
			m.listeners = nil
			m.listenURIs = nil
			m.mu.Unlock()
			return fmt.Errorf("muddle: listen on port %d: %w", port, err)
		}
		m.listeners = append(m.listeners, ln)
		m.listenURIs = append(m.listenURIs, m.advertisedURI(ln))
		go m.acceptLoop(ln)
	}
	m.mu.Unlock()

	m.tracker.SetDialer(m.dialOut)
	m.tracker.SetCloser(m.closePeer)
	m.tracker.SetManifestFetcher(m.fetchManifest)
	m.tracker.Start()
	return nil
}

// Stop idempotently halts the maintenance loop, closes every listener
// and live connection, and fails all outstanding Exchange promises.
func (m *Muddle) Stop() {
	m.stopOnce.Do(func() {
		m.tracker.Stop()
		m.rtr.Shutdown()

		m.mu.Lock()
		for _, ln := range m.listeners {
			ln.Close()
		}
		for _, ka := range m.keepalives {
			ka.Stop()
		}
		m.mu.Unlock()

		for _, e := range m.reg.Entries() {
			e.Conn.Close()
			m.reg.Unregister(e.Handle)
		}
		close(m.stopped)
	})
}

func (m *Muddle) advertisedURI(ln net.Listener) string {
	host := m.cfg.ExternalHost
	if host == "" {
		host = "127.0.0.1"
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Sprintf("tcp://%s", ln.Addr().String())
	}
	return fmt.Sprintf("tcp://%s:%d", host, externalPort(tcpAddr.Port))
}

// GetListeningPorts returns the TCP port each Start listener was bound
// to, reflecting the OS-assigned port when 0 was requested.
func (m *Muddle) GetListeningPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.listeners))
	for _, ln := range m.listeners {
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			out = append(out, tcpAddr.Port)
		}
	}
	return out
}

func (m *Muddle) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		go m.handleIncoming(nc)
	}
}

func (m *Muddle) handshakeConfig() directmsg.Config {
	m.mu.Lock()
	uris := append([]string(nil), m.listenURIs...)
	m.mu.Unlock()
	return directmsg.Config{
		NetworkID:  m.cfg.NetworkID,
		ListenURIs: uris,
		Timeout:    m.cfg.HandshakeTimeout,
	}
}

func (m *Muddle) digestSample() []directmsg.PeerHint {
	size := m.cfg.DigestSampleSize
	if size <= 0 {
		size = 16
	}
	peers := m.table.RandomSample(size)
	hints := make([]directmsg.PeerHint, 0, len(peers))
	for _, p := range peers {
		hints = append(hints, directmsg.PeerHint{Address: p.Address, URI: p.URI})
	}
	return hints
}

func (m *Muddle) handleIncoming(nc net.Conn) {
	c := conn.New(nc, conn.Incoming, conn.WithLogger(m.log))
	demux := directmsg.NewDemux()
	h := m.reg.Register(c, conn.Incoming)
	go c.Run(demux.OnPacket, func(reason error) { m.onConnClosed(h) })

	result, err := directmsg.PerformHandshake(c, demux, m.cfg.KeyPair, m.handshakeConfig(), m.digestSample())
	if err != nil {
		m.log.Debug("incoming handshake failed", logger.Error(err))
		c.Close()
		m.reg.Unregister(h)
		return
	}
	m.finalizeLink(h, c, demux, result)
}

// dialOut opens an outgoing connection to addr at uri and runs the
// handshake, implementing tracker.Dialer.
func (m *Muddle) dialOut(addr identity.Address, uri string) error {
	network, address, err := parseURI(uri)
	if err != nil {
		return fmt.Errorf("muddle: %w", err)
	}

	nc, err := net.DialTimeout(network, address, m.cfg.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("muddle: dial %s: %w", uri, err)
	}

	c := conn.New(nc, conn.Outgoing, conn.WithLogger(m.log))
	demux := directmsg.NewDemux()
	h := m.reg.Register(c, conn.Outgoing)
	go c.Run(demux.OnPacket, func(reason error) { m.onConnClosed(h) })

	result, err := directmsg.PerformHandshake(c, demux, m.cfg.KeyPair, m.handshakeConfig(), m.digestSample())
	if err != nil {
		c.Close()
		m.reg.Unregister(h)
		return fmt.Errorf("muddle: handshake with %s: %w", uri, err)
	}
	if result.Peer.Address != addr {
		c.Close()
		m.reg.Unregister(h)
		return fmt.Errorf("muddle: dialed %s but reached %s", addr, result.Peer.Address)
	}
	m.finalizeLink(h, c, demux, result)
	return nil
}

func (m *Muddle) finalizeLink(h register.Handle, c *conn.Conn, demux *directmsg.Demux, result *directmsg.Result) {
	if err := m.reg.Update(h, result.Peer.Address); err != nil {
		// Update already closed the losing connection and unregistered
		// its handle (duplicate-link or self-connection tiebreak). When
		// the loser was the other, older link, h is still registered and
		// is finalized below.
		if _, ok := m.reg.Lookup(h); !ok {
			return
		}
	}
	m.rtr.LearnRoute(result.Peer.Address, h, router.HandshakeLearned)
	c.SetState(conn.Connected)

	for _, hint := range result.Digest {
		m.table.ReportExistence(hint.Address, hint.URI)
	}
	if len(result.Peer.ListenURIs) > 0 {
		m.table.ReportExistence(result.Peer.Address, result.Peer.ListenURIs[0])
	}

	demux.SetForward(func(p *packet.Packet) { m.rtr.Inbound(h, p) })

	ka := directmsg.NewKeepalive(c, demux, m.cfg.KeyPair, result.Peer.Address, m.cfg.KeepaliveInterval, m.onKeepaliveFail)
	m.mu.Lock()
	m.keepalives[h] = ka
	m.mu.Unlock()
}

func (m *Muddle) onKeepaliveFail(addr identity.Address) {
	m.log.Debug("closing connection after missed keepalives", logger.String("addr", addr.String()))
}

func (m *Muddle) onConnClosed(h register.Handle) {
	m.rtr.ForgetHandle(h)
	m.rtr.ClearBadSignatureCount(h)
	m.mu.Lock()
	if ka, ok := m.keepalives[h]; ok {
		ka.Stop()
		delete(m.keepalives, h)
	}
	m.mu.Unlock()
	m.reg.Unregister(h)
}

// closePeer closes every live connection to addr, implementing
// tracker.Closer.
func (m *Muddle) closePeer(addr identity.Address) error {
	for _, e := range m.reg.LookupByAddress(addr) {
		e.Conn.Close()
	}
	return nil
}

// fetchManifest issues a DiscoveryService request to addr over the
// router's Exchange mechanism, implementing tracker.ManifestFetcher.
func (m *Muddle) fetchManifest(addr identity.Address) (tracker.Manifest, error) {
	reqPayload, err := discovery.EncodeRequest(discovery.Request{})
	if err != nil {
		return nil, err
	}
	promise, err := m.rtr.Exchange(addr, discovery.ServiceID, discovery.ChannelID, reqPayload, m.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	respPayload, err := promise.Await()
	if err != nil {
		return nil, err
	}
	resp, err := discovery.ParseResponse(respPayload)
	if err != nil {
		return nil, err
	}
	return resp.Manifest, nil
}

func (m *Muddle) getManifest() tracker.Manifest {
	m.manifestMu.RLock()
	defer m.manifestMu.RUnlock()
	cp := make(tracker.Manifest, len(m.manifest))
	for k, v := range m.manifest {
		cp[k] = v
	}
	return cp
}

// AdvertiseService records uri under service in the manifest this node
// publishes to DiscoveryService requests.
func (m *Muddle) AdvertiseService(service uint16, uri string) {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()
	m.manifest[service] = uri
}

// resolveNextHop implements router.NextHopFunc: when no direct route to
// target is known, it looks for a Kademlia-closest peer this node
// already has a live, handshake-learned route to and forwards through
// it instead.
func (m *Muddle) resolveNextHop(target identity.Address) (register.Handle, bool) {
	for _, candidate := range m.table.ClosestTo(target, 8) {
		if h, ok := m.rtr.RouteFor(candidate.Address); ok {
			return h, true
		}
	}
	return 0, false
}

// ConnectTo adds addr, reachable at uri, to the desired peer set with
// the given expiry; an expiry in the past makes the call a no-op, per
// spec.md section 5.
func (m *Muddle) ConnectTo(addr identity.Address, uri string, expiry time.Time) {
	if !expiry.IsZero() && time.Now().After(expiry) {
		return
	}
	m.list.AddDesired(addr, uri, expiry)
}

// DisconnectFrom removes addr from the desired set and closes any live
// connection to it.
func (m *Muddle) DisconnectFrom(addr identity.Address) {
	m.list.RemoveDesired(addr)
	m.closePeer(addr)
}

// SetConfidence updates addr's trust level in the desired peer set.
func (m *Muddle) SetConfidence(addr identity.Address, c peerlist.Confidence) {
	m.list.SetConfidence(addr, c)
}

// SetTrackerConfiguration replaces the peer tracker's configuration.
func (m *Muddle) SetTrackerConfiguration(opts tracker.Options) {
	m.tracker.SetOptions(opts)
}

// GetDirectlyConnectedPeers returns the address of every live connection.
func (m *Muddle) GetDirectlyConnectedPeers() []identity.Address {
	return m.connectedAddresses(nil)
}

// GetIncomingConnectedPeers returns the address of every live incoming
// connection.
func (m *Muddle) GetIncomingConnectedPeers() []identity.Address {
	incoming := conn.Incoming
	return m.connectedAddresses(&incoming)
}

// GetOutgoingConnectedPeers returns the address of every live outgoing
// connection.
func (m *Muddle) GetOutgoingConnectedPeers() []identity.Address {
	outgoing := conn.Outgoing
	return m.connectedAddresses(&outgoing)
}

func (m *Muddle) connectedAddresses(direction *conn.Direction) []identity.Address {
	var out []identity.Address
	for _, e := range m.reg.Entries() {
		if !e.HasAddress {
			continue
		}
		if direction != nil && e.Direction != *direction {
			continue
		}
		out = append(out, e.Address)
	}
	return out
}

// GetRequestedPeers returns every address in the desired peer set.
func (m *Muddle) GetRequestedPeers() []identity.Address {
	return m.list.Addresses()
}

// IsDirectlyConnected reports whether addr has a live connection.
func (m *Muddle) IsDirectlyConnected(addr identity.Address) bool {
	return len(m.reg.LookupByAddress(addr)) > 0
}

// parseURI splits a "tcp://host:port" style URI into the dial network
// and address net.Dial expects.
func parseURI(uri string) (network, address string, err error) {
	parts := strings.SplitN(uri, "://", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed peer uri %q", uri)
	}
	network, address = parts[0], parts[1]
	if network == "" || address == "" {
		return "", "", fmt.Errorf("malformed peer uri %q", uri)
	}
	return network, address, nil
}

// externalPort reads the MUDDLE_EXTERNAL_PORT_<port> environment
// override, implementing spec.md section 6's port-mapping note: a
// listening port may be advertised to peers as a different external
// port than the one actually bound.
func externalPort(boundPort int) int {
	if v := os.Getenv(fmt.Sprintf("MUDDLE_EXTERNAL_PORT_%d", boundPort)); v != "" {
		if mapped, err := strconv.Atoi(v); err == nil {
			return mapped
		}
	}
	return boundPort
}
