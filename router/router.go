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

// Package router implements the Router of spec.md section 4.5: the
// single point through which every inbound and outbound packet passes.
// The router owns no sockets; it resolves next hops, dispatches to local
// subscriptions and RPC handlers, matches Exchange replies to
// outstanding promises, and forwards or broadcasts everything else.
package router

import (
	"errors"
	"sync"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/internal/metrics"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/register"
)

// Errors surfaced to Endpoint-level callers and to the connection layer.
var (
	ErrNoRoute      = errors.New("router: no route to target")
	ErrOverloaded   = conn.ErrOverloaded
	ErrShuttingDown = errors.New("router: shutting down")
)

// RouteConfidence orders how a routing table entry was learned.
// Handshake-learned entries always win over merely observed ones.
type RouteConfidence int

const (
	Observed RouteConfidence = iota
	HandshakeLearned
)

type routeEntry struct {
	handle     register.Handle
	confidence RouteConfidence
}

// NextHopFunc resolves a fallback next hop for a target address with no
// direct route, typically backed by the peer tracker's Kademlia-closest
// lookup restricted to addresses that already have a route.
type NextHopFunc func(target identity.Address) (register.Handle, bool)

type subKey struct {
	service uint16
	channel uint16
}

type dedupKey struct {
	sender identity.Address
	number uint32
}

// Router dispatches packets between connections and local subscribers.
type Router struct {
	own       identity.Address
	networkID packet.NetworkID
	kp        *identity.KeyPair
	reg       *register.Register
	log       *logger.StructuredLogger

	nextHop NextHopFunc

	mu     sync.RWMutex
	routes map[identity.Address]routeEntry

	dedupMu  sync.Mutex
	dedup    map[dedupKey]time.Time
	dedupTTL time.Duration
	dedupCap int
	dedupQ   []dedupKey // FIFO for bounded eviction

	counterMu sync.Mutex
	counters  map[subKey]uint32

	subMu sync.RWMutex
	subs  map[subKey][]*Subscription
	nextSubID uint64

	rpcMu sync.RWMutex
	rpc   map[subKey]RPCHandler

	promiseMu sync.Mutex
	promises  map[promiseKey]*Promise

	badSigMu  sync.Mutex
	badSigs   map[register.Handle]int
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithDedupWindow overrides the broadcast dedup set's TTL and capacity.
func WithDedupWindow(ttl time.Duration, capacity int) Option {
	return func(r *Router) { r.dedupTTL = ttl; r.dedupCap = capacity }
}

// WithNextHop installs the tracker-backed next-hop resolver.
func WithNextHop(fn NextHopFunc) Option {
	return func(r *Router) { r.nextHop = fn }
}

// New builds a Router for a node with identity kp, routing NetworkID
// netID, backed by register reg.
func New(kp *identity.KeyPair, netID packet.NetworkID, reg *register.Register, opts ...Option) *Router {
	r := &Router{
		own:       kp.Address(),
		networkID: netID,
		kp:        kp,
		reg:       reg,
		log:       logger.GetDefaultLogger(),
		routes:    make(map[identity.Address]routeEntry),
		dedup:     make(map[dedupKey]time.Time),
		dedupTTL:  30 * time.Second,
		dedupCap:  4096,
		counters:  make(map[subKey]uint32),
		subs:      make(map[subKey][]*Subscription),
		rpc:       make(map[subKey]RPCHandler),
		promises:  make(map[promiseKey]*Promise),
		badSigs:   make(map[register.Handle]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LearnRoute records that addr is reachable via handle. confidence
// determines whether this overrides an existing entry: handshake-learned
// routes always win over merely observed ones, per spec.md section 4.5.
func (r *Router) LearnRoute(addr identity.Address, handle register.Handle, confidence RouteConfidence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.routes[addr]
	if ok && existing.confidence == HandshakeLearned && confidence == Observed {
		return
	}
	r.routes[addr] = routeEntry{handle: handle, confidence: confidence}
}

// RouteFor returns the directly-learned route for addr, without falling
// back to NextHopFunc. Used by a NextHopFunc implementation to probe
// candidate relays without risking recursion into itself.
func (r *Router) RouteFor(addr identity.Address) (register.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.routes[addr]
	return e.handle, ok
}

// ForgetRoute removes addr's route, called when the owning connection
// unregisters.
func (r *Router) ForgetRoute(addr identity.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, addr)
}

// ForgetHandle removes every route pointing at handle, used when a
// connection closes and the caller does not know which address it
// carried (or carried none yet).
func (r *Router) ForgetHandle(handle register.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, e := range r.routes {
		if e.handle == handle {
			delete(r.routes, addr)
		}
	}
}

func (r *Router) resolve(target identity.Address) (register.Handle, bool) {
	r.mu.RLock()
	e, ok := r.routes[target]
	r.mu.RUnlock()
	if ok {
		return e.handle, true
	}
	if r.nextHop != nil {
		return r.nextHop(target)
	}
	return 0, false
}

func (r *Router) nextCounter(service, channel uint16) uint32 {
	k := subKey{service, channel}
	r.counterMu.Lock()
	defer r.counterMu.Unlock()
	r.counters[k]++
	return r.counters[k]
}

// Send builds, signs, and routes a directed packet to target.
func (r *Router) Send(target identity.Address, service, channel uint16, payload []byte) error {
	p := packet.New(service, channel, r.own, payload)
	p.Target = target
	p.NetworkID = r.networkID
	p.Flags |= packet.FlagDirect
	p.MessageNumber = r.nextCounter(service, channel)
	p.Sign(r.kp)
	err := r.sendPacket(target, p)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
	} else {
		metrics.PacketsRouted.WithLabelValues("outbound", "direct").Inc()
	}
	return err
}

// Broadcast builds, signs, and fans a packet out to every live,
// handshake-complete connection.
func (r *Router) Broadcast(service, channel uint16, payload []byte) error {
	p := packet.New(service, channel, r.own, payload)
	p.NetworkID = r.networkID
	p.Flags |= packet.FlagBroadcast
	p.MessageNumber = r.nextCounter(service, channel)
	p.Sign(r.kp)
	r.markSeen(p.Sender, p.MessageNumber)
	metrics.PacketsRouted.WithLabelValues("outbound", "broadcast").Inc()
	return r.fanOut(p, 0)
}

func (r *Router) sendPacket(target identity.Address, p *packet.Packet) error {
	handle, ok := r.resolve(target)
	if !ok {
		return ErrNoRoute
	}
	entry, ok := r.reg.Lookup(handle)
	if !ok {
		r.ForgetRoute(target)
		return ErrNoRoute
	}
	return entry.Conn.Send(p)
}

func (r *Router) fanOut(p *packet.Packet, except register.Handle) error {
	var firstErr error
	for _, e := range r.reg.Entries() {
		if e.Handle == except || !e.HasAddress {
			continue
		}
		if err := e.Conn.Send(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// markSeen records (sender, messageNumber) in the broadcast dedup set,
// evicting the oldest entry if the set is at capacity.
func (r *Router) markSeen(sender identity.Address, number uint32) bool {
	k := dedupKey{sender: sender, number: number}
	now := time.Now()

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	if seenAt, ok := r.dedup[k]; ok && now.Sub(seenAt) < r.dedupTTL {
		return false
	}
	if _, ok := r.dedup[k]; !ok {
		if len(r.dedupQ) >= r.dedupCap {
			oldest := r.dedupQ[0]
			r.dedupQ = r.dedupQ[1:]
			delete(r.dedup, oldest)
		}
		r.dedupQ = append(r.dedupQ, k)
	}
	r.dedup[k] = now
	return true
}

// Inbound processes a packet that arrived on handle, per the five-step
// inbound path of spec.md section 4.5.
func (r *Router) Inbound(handle register.Handle, p *packet.Packet) {
	if err := p.Verify(); err != nil {
		r.recordBadSignature(handle)
		metrics.PacketsDropped.WithLabelValues("bad_signature").Inc()
		r.log.Warn("dropping packet with bad signature", logger.Any("handle", handle), logger.Error(err))
		return
	}
	if p.NetworkID != r.networkID || p.Version != packet.CurrentVersion {
		metrics.PacketsDropped.WithLabelValues("network_mismatch").Inc()
		r.log.Debug("dropping packet with mismatched network or version",
			logger.String("network_id", p.NetworkID.String()))
		return
	}
	metrics.PacketsRouted.WithLabelValues("inbound", kindOf(p)).Inc()

	if p.IsBroadcast() {
		if !r.markSeen(p.Sender, p.MessageNumber) {
			metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
			return // already seen, reject the re-broadcast
		}
	}

	if p.IsExchangeReply() {
		r.resolvePromise(p)
		return
	}

	isForMe := p.Target == r.own || p.IsBroadcast()
	if isForMe {
		r.deliverLocal(handle, p)
	}

	if p.Target == r.own && !p.IsBroadcast() {
		return // fully handled locally, not forwarded further
	}

	if p.TTL == 0 {
		return
	}
	p.TTL--

	if p.IsBroadcast() {
		r.fanOut(p, handle)
		return
	}
	if err := r.sendPacket(p.Target, p); err != nil {
		r.log.Debug("forward failed", logger.Error(err), logger.String("target", p.Target.String()))
	}
}

func kindOf(p *packet.Packet) string {
	switch {
	case p.IsBroadcast():
		return "broadcast"
	case p.IsExchangeReply():
		return "exchange"
	default:
		return "direct"
	}
}

func (r *Router) deliverLocal(handle register.Handle, p *packet.Packet) {
	key := subKey{p.Service, p.Channel}

	r.rpcMu.RLock()
	handler, isRPC := r.rpc[key]
	r.rpcMu.RUnlock()

	if isRPC && p.Target == r.own && !p.IsBroadcast() {
		reply, err := handler(p)
		r.sendExchangeReply(handle, p, reply, err)
		return
	}

	r.subMu.RLock()
	subs := append([]*Subscription(nil), r.subs[key]...)
	r.subMu.RUnlock()
	for _, s := range subs {
		s.handler(p)
	}
}

func (r *Router) sendExchangeReply(handle register.Handle, req *packet.Packet, payload []byte, handlerErr error) {
	if handlerErr != nil {
		payload = []byte(handlerErr.Error())
	}
	reply := packet.New(req.Service, req.Channel, r.own, payload)
	reply.Target = req.Sender
	reply.NetworkID = r.networkID
	reply.Flags = packet.FlagDirect | packet.FlagExchange
	reply.MessageNumber = req.MessageNumber
	reply.Sign(r.kp)

	if err := r.sendPacket(req.Sender, reply); err != nil {
		if entry, ok := r.reg.Lookup(handle); ok {
			entry.Conn.Send(reply)
		}
	}
}

func (r *Router) recordBadSignature(handle register.Handle) int {
	r.badSigMu.Lock()
	defer r.badSigMu.Unlock()
	r.badSigs[handle]++
	return r.badSigs[handle]
}

// ClearBadSignatureCount resets a connection's bad-signature tally,
// called after the connection is closed and its handle retired.
func (r *Router) ClearBadSignatureCount(handle register.Handle) {
	r.badSigMu.Lock()
	defer r.badSigMu.Unlock()
	delete(r.badSigs, handle)
}

// Subscribe registers handler for every packet delivered on (service,
// channel), returning a token whose Unsubscribe removes it.
func (r *Router) Subscribe(service, channel uint16, handler func(*packet.Packet)) *Subscription {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextSubID++
	s := &Subscription{id: r.nextSubID, key: subKey{service, channel}, handler: handler, router: r}
	key := s.key
	r.subs[key] = append(r.subs[key], s)
	return s
}

func (r *Router) unsubscribe(s *Subscription) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	list := r.subs[s.key]
	for i, existing := range list {
		if existing.id == s.id {
			r.subs[s.key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RPCHandler answers an Exchange request and returns the reply payload.
type RPCHandler func(req *packet.Packet) ([]byte, error)

// HandleRPC registers the RPC dispatcher for (service, channel). Only
// one handler may be registered per tuple.
func (r *Router) HandleRPC(service, channel uint16, handler RPCHandler) {
	r.rpcMu.Lock()
	defer r.rpcMu.Unlock()
	r.rpc[subKey{service, channel}] = handler
}

// Shutdown fails every outstanding promise with ErrShuttingDown, matching
// spec.md section 5's "Stop() cancels all outstanding promises".
func (r *Router) Shutdown() {
	r.promiseMu.Lock()
	defer r.promiseMu.Unlock()
	for k, p := range r.promises {
		p.fail(ErrShuttingDown)
		delete(r.promises, k)
	}
}
