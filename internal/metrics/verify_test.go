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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	if HandshakesStarted == nil {
		t.Error("HandshakesStarted metric is nil")
	}
	if HandshakesCompleted == nil {
		t.Error("HandshakesCompleted metric is nil")
	}
	if HandshakeDuration == nil {
		t.Error("HandshakeDuration metric is nil")
	}
	if ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if PacketsRouted == nil {
		t.Error("PacketsRouted metric is nil")
	}
	if KademliaBucketSize == nil {
		t.Error("KademliaBucketSize metric is nil")
	}
	if CryptoOperations == nil {
		t.Error("CryptoOperations metric is nil")
	}
}

func TestMetricsIncrement(t *testing.T) {
	HandshakesStarted.Inc()
	HandshakesCompleted.WithLabelValues("success").Inc()
	HandshakeDuration.Observe(0.05)

	ConnectionsActive.WithLabelValues("outgoing").Inc()
	PacketsRouted.WithLabelValues("outbound", "direct").Inc()

	CryptoOperations.WithLabelValues("sign").Inc()
	CryptoOperations.WithLabelValues("verify").Inc()

	if count := testutil.CollectAndCount(HandshakesCompleted); count == 0 {
		t.Error("HandshakesCompleted has no metrics collected")
	}
	if count := testutil.CollectAndCount(CryptoOperations); count == 0 {
		t.Error("CryptoOperations has no metrics collected")
	}
}
