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

// Package muddle composes the connection register, router, peer list,
// Kademlia table, and peer tracker of the sibling packages into the
// Muddle Facade of spec.md section 4.9: a single node with Start/Stop
// lifecycle and a client-facing Endpoint.
package muddle

import (
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
)

// Config carries everything needed to construct a node. DefaultConfig
// fills every field with working values; New uses the timeouts and
// options as given and does not substitute defaults for zero values.
type Config struct {
	KeyPair   *identity.KeyPair
	NetworkID packet.NetworkID

	// ExternalHost overrides the address advertised to peers in the
	// handshake's listen URIs, for a node behind NAT. Empty means
	// loopback is assumed, per spec.md section 6's environment note.
	ExternalHost string

	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	DigestSampleSize  int

	RegisterOptions register.Options
	TrackerOptions  tracker.Options

	// CachePath, if set, both seeds the Kademlia table at startup (when
	// the file exists) and is handed to the tracker for periodic dumps.
	CachePath string
}

// DefaultConfig returns a Config with the scenario harness's steady-state
// settings, for a node identified by kp on networkID.
func DefaultConfig(kp *identity.KeyPair, networkID packet.NetworkID) Config {
	return Config{
		KeyPair:           kp,
		NetworkID:         networkID,
		HandshakeTimeout:  5 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		DigestSampleSize:  16,
		RegisterOptions:   register.DefaultOptions(),
		TrackerOptions:    tracker.DefaultOptions(),
	}
}
