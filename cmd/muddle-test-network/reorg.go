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
	"sync/atomic"
	"time"

	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
	"github.com/spf13/cobra"
)

const (
	reorgService = 1920
	reorgChannel = 101
)

var reorgNodeCount int

var reorgCmd = &cobra.Command{
	Use:   "reorg-messaging",
	Short: "Each non-origin node on a line sends one message to node 0 while the topology converges",
	RunE:  runReorg,
}

func init() {
	rootCmd.AddCommand(reorgCmd)
	reorgCmd.Flags().IntVar(&reorgNodeCount, "nodes", 10, "number of nodes in the line")
}

func runReorg(cmd *cobra.Command, args []string) error {
	n := reorgNodeCount
	opts := tracker.DefaultOptions()
	opts.MaxKademliaConnections = n
	opts.MaxLongrangeConnections = 0

	nodes, err := spinUp(n, opts, register.DefaultOptions(), nil)
	if err != nil {
		return err
	}
	defer stopAll(nodes)

	for i := 1; i < n; i++ {
		connect(nodes[i], nodes[i-1])
	}

	var received int64
	nodes[0].GetEndpoint().Subscribe(reorgService, reorgChannel, func(p *packet.Packet) {
		if string(p.Payload) == "Hello world" {
			atomic.AddInt64(&received, 1)
		}
	})

	for i := 1; i < n; i++ {
		_ = nodes[i].GetEndpoint().Send(nodes[0].GetAddress(), reorgService, reorgChannel, []byte("Hello world"))
	}

	ok := waitUntil(100*time.Second, 200*time.Millisecond, func() bool {
		return atomic.LoadInt64(&received) >= int64(n-1)
	})

	return reportResult("reorg-messaging", ok, "node 0 receives one message from each of the other nodes")
}
