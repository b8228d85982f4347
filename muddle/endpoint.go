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
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/router"
)

// Endpoint is the client-facing surface of spec.md section 6: the only
// part of Muddle application code outside this module should talk to
// once a node is running.
type Endpoint struct {
	rtr *router.Router
}

// GetEndpoint returns the client-facing Endpoint for this node.
func (m *Muddle) GetEndpoint() *Endpoint {
	return &Endpoint{rtr: m.rtr}
}

// Send routes payload to target on (service, channel), non-blocking.
func (e *Endpoint) Send(target identity.Address, service, channel uint16, payload []byte) error {
	return e.rtr.Send(target, service, channel, payload)
}

// Broadcast fans payload out to every directly-connected peer.
func (e *Endpoint) Broadcast(service, channel uint16, payload []byte) error {
	return e.rtr.Broadcast(service, channel, payload)
}

// Exchange sends an RPC request to target and returns a Promise the
// caller awaits for the reply.
func (e *Endpoint) Exchange(target identity.Address, service, channel uint16, payload []byte, timeout time.Duration) (*router.Promise, error) {
	return e.rtr.Exchange(target, service, channel, payload, timeout)
}

// Subscribe registers handler for every packet delivered on (service,
// channel); dropping the returned token's Unsubscribe removes it.
func (e *Endpoint) Subscribe(service, channel uint16, handler func(*packet.Packet)) *router.Subscription {
	return e.rtr.Subscribe(service, channel, handler)
}

// HandleRPC registers the RPC dispatcher for (service, channel), used by
// application code that wants to answer Exchange requests the way
// DiscoveryService does internally.
func (e *Endpoint) HandleRPC(service, channel uint16, handler router.RPCHandler) {
	e.rtr.HandleRPC(service, channel, handler)
}
