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

// Package directmsg implements the DirectMessageService of spec.md
// section 4.7: the per-link handshake every new connection runs before
// the router will accept packets on it, and the keepalive ping that
// follows it.
package directmsg

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
)

// Reserved (service, channel) tuples used for handshake and keepalive
// control traffic, never visible to Endpoint subscribers.
const (
	ServiceHandshake uint16 = 0
	ChannelHello     uint16 = 0
	ChannelDigest    uint16 = 1
	ChannelPing      uint16 = 2
)

// Errors returned by the handshake.
var (
	ErrBadHandshake  = errors.New("directmsg: handshake failed")
	ErrNetworkMismatch = errors.New("directmsg: network id mismatch")
	ErrVersionMismatch = errors.New("directmsg: protocol version mismatch")
)

// PeerHint is one entry of a routing digest: an address this node
// believes is reachable at uri, shared to warm a peer's Kademlia table.
type PeerHint struct {
	Address identity.Address `json:"address"`
	URI     string           `json:"uri"`
}

// hello is the wire payload of the first handshake message.
type hello struct {
	NetworkID  packet.NetworkID `json:"network_id"`
	Version    uint8            `json:"version"`
	Address    identity.Address `json:"address"`
	ListenURIs []string         `json:"listen_uris"`
	Nonce      [32]byte         `json:"nonce"`
	Signature  []byte           `json:"signature"`
}

// HelloInfo is the peer information learned from a completed handshake.
type HelloInfo struct {
	Address    identity.Address
	ListenURIs []string
}

// Demux sits between a conn.Conn and its eventual owner: during the
// handshake it routes the reserved handshake channels to internal
// queues; once PerformHandshake returns, the caller installs a Forward
// function and every subsequent packet (on any other service/channel)
// is handed to it instead, this is how a Conn can run a single
// long-lived read loop across its Connecting and Connected states.
type Demux struct {
	helloCh  chan *packet.Packet
	digestCh chan *packet.Packet
	pingCh   chan *packet.Packet

	mu      sync.RWMutex
	forward func(*packet.Packet)
}

// NewDemux creates a Demux ready to be passed as a Conn's PacketHandler.
func NewDemux() *Demux {
	return &Demux{
		helloCh:  make(chan *packet.Packet, 1),
		digestCh: make(chan *packet.Packet, 1),
		pingCh:   make(chan *packet.Packet, 8),
	}
}

// OnPacket is installed as the Conn's PacketHandler.
func (d *Demux) OnPacket(p *packet.Packet) {
	if p.Service == ServiceHandshake {
		switch p.Channel {
		case ChannelHello:
			trySend(d.helloCh, p)
		case ChannelDigest:
			trySend(d.digestCh, p)
		case ChannelPing:
			trySend(d.pingCh, p)
		}
		return
	}

	d.mu.RLock()
	fwd := d.forward
	d.mu.RUnlock()
	if fwd != nil {
		fwd(p)
	}
}

// SetForward installs the handler invoked for every post-handshake
// packet, typically Router.Inbound bound to this connection's handle.
func (d *Demux) SetForward(fn func(*packet.Packet)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forward = fn
}

func trySend(ch chan *packet.Packet, p *packet.Packet) {
	select {
	case ch <- p:
	default:
	}
}

func randomNonce() ([32]byte, error) {
	var n [32]byte
	_, err := rand.Read(n[:])
	return n, err
}

func encodeControl(service, channel uint16, sender identity.Address, v interface{}, kp *identity.KeyPair) (*packet.Packet, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	p := packet.New(service, channel, sender, payload)
	p.Flags |= packet.FlagDirect
	p.Sign(kp)
	return p, nil
}
