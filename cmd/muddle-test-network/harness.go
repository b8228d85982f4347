// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/muddle"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/peerlist"
	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
)

// networkTestID is the NetworkID every scenario node shares; isolates the
// harness from any other Muddle network that happens to run on the host.
var networkTestID = packet.NetworkIDFromString("test")

// spinUp brings up n nodes with trackerOpts and registerOpts, each seeded
// deterministically from its index so a run is reproducible, and returns
// them started on ephemeral loopback ports.
func spinUp(n int, trackerOpts tracker.Options, registerOpts register.Options, cachePaths []string) ([]*muddle.Muddle, error) {
	return spinUpOnPorts(n, trackerOpts, registerOpts, cachePaths, nil)
}

// spinUpOnPorts is spinUp with an explicit listen port per node (0 means
// ephemeral). A fixed port list lets a reboot scenario restart nodes on
// the same addresses their peers' cached manifests still point at.
func spinUpOnPorts(n int, trackerOpts tracker.Options, registerOpts register.Options, cachePaths []string, ports []int) ([]*muddle.Muddle, error) {
	nodes := make([]*muddle.Muddle, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		kp, err := identity.FromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("node %d: derive identity: %w", i, err)
		}

		cfg := muddle.DefaultConfig(kp, networkTestID)
		cfg.TrackerOptions = trackerOpts
		cfg.RegisterOptions = registerOpts
		if cachePaths != nil {
			cfg.CachePath = cachePaths[i]
		}

		port := 0
		if ports != nil {
			port = ports[i]
		}

		node := muddle.New(cfg)
		if err := node.Start([]int{port}); err != nil {
			stopAll(nodes[:i])
			return nil, fmt.Errorf("node %d: start: %w", i, err)
		}
		nodes[i] = node
	}
	return nodes, nil
}

func stopAll(nodes []*muddle.Muddle) {
	for _, n := range nodes {
		if n != nil {
			n.Stop()
		}
	}
}

func loopbackURI(n *muddle.Muddle) string {
	ports := n.GetListeningPorts()
	return fmt.Sprintf("tcp://127.0.0.1:%d", ports[0])
}

// connect tells a to dial b, with no expiry.
func connect(a, b *muddle.Muddle) {
	a.ConnectTo(b.GetAddress(), loopbackURI(b), peerlist.Never)
}

// waitUntil polls cond every interval up to timeout, returning whether it
// became true.
func waitUntil(timeout, interval time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(interval)
	}
	return cond()
}

func reportResult(scenario string, ok bool, detail string) error {
	if ok {
		fmt.Printf("PASS %s: %s\n", scenario, detail)
		return nil
	}
	fmt.Printf("FAIL %s: %s\n", scenario, detail)
	return fmt.Errorf("scenario %s failed", scenario)
}
