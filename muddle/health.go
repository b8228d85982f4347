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

	"github.com/muddlenet/muddle/health"
)

// NewHealthChecker builds a health.HealthChecker wired to this node's
// listeners, routing table, and directly-connected peer count.
// minConnected sets the floor used by the "connectivity" check.
func (m *Muddle) NewHealthChecker(minConnected int) *health.HealthChecker {
	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(m.log)

	checker.RegisterCheck("listeners", health.ListenerHealthCheck(m.GetListeningPorts))
	checker.RegisterCheck("connectivity", health.ConnectivityHealthCheck(func() int {
		return len(m.GetDirectlyConnectedPeers())
	}, minConnected))
	checker.RegisterCheck("routing_table", health.TableSizeHealthCheck(m.table.Len))

	return checker
}
