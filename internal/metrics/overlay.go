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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks live connections by direction.
	ConnectionsActive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of currently live connections",
		},
		[]string{"direction"}, // outgoing, incoming
	)

	// ConnectionsOpened tracks connection attempts and their outcome.
	ConnectionsOpened = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Total number of connections opened",
		},
		[]string{"direction", "status"}, // success, self
	)

	// ConnectionsClosed tracks why a connection was torn down.
	ConnectionsClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total number of connections closed, by reason",
		},
		[]string{"reason"}, // duplicate, self
	)

	// PacketsRouted tracks packets the router has processed.
	PacketsRouted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "packets_total",
			Help:      "Total number of packets processed by the router",
		},
		[]string{"direction", "kind"}, // inbound/outbound, direct/broadcast/exchange
	)

	// PacketsDropped tracks packets the router refused to deliver.
	PacketsDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "packets_dropped_total",
			Help:      "Total number of packets dropped by the router",
		},
		[]string{"reason"}, // bad_signature, network_mismatch, no_route, duplicate
	)

	// ExchangeDuration tracks how long Exchange calls take to resolve.
	ExchangeDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "exchange_duration_seconds",
			Help:      "Time from Exchange request to promise resolution",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"outcome"}, // fulfilled, timeout, shutdown
	)

	// KademliaBucketSize tracks occupancy of the routing table.
	KademliaBucketSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kademlia",
			Name:      "known_peers",
			Help:      "Total number of peers known across all buckets",
		},
	)

	// KademliaLookups tracks ClosestTo/RandomSample lookups.
	KademliaLookups = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kademlia",
			Name:      "lookups_total",
			Help:      "Total number of routing table lookups",
		},
		[]string{"kind"}, // closest, random
	)

	// TrackerDesiredPeers tracks the size of the desired peer set.
	TrackerDesiredPeers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "desired_peers",
			Help:      "Number of peers currently in the desired set",
		},
	)

	// TrackerDialResults tracks outcomes of tracker-initiated dials.
	TrackerDialResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "dial_results_total",
			Help:      "Total number of tracker-initiated dial attempts, by result",
		},
		[]string{"result"}, // success, failure
	)
)
