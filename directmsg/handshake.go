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

package directmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/metrics"
	"github.com/muddlenet/muddle/packet"
)

// Config carries the local information advertised in Hello and the
// deadline applied to each handshake step.
type Config struct {
	NetworkID  packet.NetworkID
	ListenURIs []string
	Timeout    time.Duration
}

// Result is everything PerformHandshake learns about the peer.
type Result struct {
	Peer   HelloInfo
	Digest []PeerHint
}

// PerformHandshake runs the four steps of spec.md section 4.7 over an
// already-connected conn.Conn whose read loop has already been started
// with demux.OnPacket as its PacketHandler. localDigest is the set of
// peer hints to share with the remote side. It is built before the
// peer's address is known, so it is not selected by distance to that
// peer (the Muddle facade passes a random sample of its Kademlia table);
// callers without a useful sample may pass nil.
func PerformHandshake(c *conn.Conn, demux *Demux, kp *identity.KeyPair, cfg Config, localDigest []PeerHint) (result *Result, err error) {
	metrics.HandshakesStarted.Inc()
	start := time.Now()
	defer func() {
		metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
		metrics.HandshakesCompleted.WithLabelValues(handshakeOutcome(err)).Inc()
	}()

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrBadHandshake, err)
	}

	localHello := hello{
		NetworkID:  cfg.NetworkID,
		Version:    packet.CurrentVersion,
		Address:    kp.Address(),
		ListenURIs: cfg.ListenURIs,
		Nonce:      nonce,
	}
	localHello.Signature = kp.Sign(nonce[:])

	helloPacket, err := encodeControl(ServiceHandshake, ChannelHello, kp.Address(), localHello, kp)
	if err != nil {
		return nil, fmt.Errorf("%w: encode hello: %v", ErrBadHandshake, err)
	}
	if err := c.Send(helloPacket); err != nil {
		return nil, fmt.Errorf("%w: send hello: %v", ErrBadHandshake, err)
	}

	remote, err := awaitHello(demux, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if remote.NetworkID != cfg.NetworkID {
		return nil, ErrNetworkMismatch
	}
	if remote.Version != packet.CurrentVersion {
		return nil, ErrVersionMismatch
	}
	if err := identity.Verify(remote.Address, remote.Nonce[:], remote.Signature); err != nil {
		return nil, fmt.Errorf("%w: nonce signature: %v", ErrBadHandshake, err)
	}

	digestPacket, err := encodeControl(ServiceHandshake, ChannelDigest, kp.Address(), localDigest, kp)
	if err != nil {
		return nil, fmt.Errorf("%w: encode digest: %v", ErrBadHandshake, err)
	}
	if err := c.Send(digestPacket); err != nil {
		return nil, fmt.Errorf("%w: send digest: %v", ErrBadHandshake, err)
	}

	remoteDigest, err := awaitDigest(demux, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	return &Result{
		Peer:   HelloInfo{Address: remote.Address, ListenURIs: remote.ListenURIs},
		Digest: remoteDigest,
	}, nil
}

// handshakeOutcome classifies err into a low-cardinality metric label.
func handshakeOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNetworkMismatch):
		return "network_mismatch"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	default:
		return "bad_handshake"
	}
}

func awaitHello(demux *Demux, timeout time.Duration) (*hello, error) {
	select {
	case p := <-demux.helloCh:
		var h hello
		if err := json.Unmarshal(p.Payload, &h); err != nil {
			return nil, fmt.Errorf("%w: decode hello: %v", ErrBadHandshake, err)
		}
		return &h, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: timed out awaiting hello", ErrBadHandshake)
	}
}

func awaitDigest(demux *Demux, timeout time.Duration) ([]PeerHint, error) {
	select {
	case p := <-demux.digestCh:
		var hints []PeerHint
		if err := json.Unmarshal(p.Payload, &hints); err != nil {
			return nil, fmt.Errorf("%w: decode digest: %v", ErrBadHandshake, err)
		}
		return hints, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: timed out awaiting routing digest", ErrBadHandshake)
	}
}
