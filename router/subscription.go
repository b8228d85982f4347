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

package router

import "github.com/muddlenet/muddle/packet"

// Subscription is a live registration for every packet delivered on a
// (service, channel) tuple. Dropping the token by calling Unsubscribe
// removes it; the zero value is not usable.
type Subscription struct {
	id      uint64
	key     subKey
	handler func(*packet.Packet)
	router  *Router
}

// Unsubscribe removes the subscription; safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.router.unsubscribe(s)
}
