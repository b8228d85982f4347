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
	"time"

	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
	"github.com/spf13/cobra"
)

var lineNodeCount int

var lineCmd = &cobra.Command{
	Use:   "line",
	Short: "Line topology: node i dials node i-1, every node converges to n-1 peers",
	RunE:  runLine,
}

func init() {
	rootCmd.AddCommand(lineCmd)
	lineCmd.Flags().IntVar(&lineNodeCount, "nodes", 10, "number of nodes in the line")
}

func runLine(cmd *cobra.Command, args []string) error {
	n := lineNodeCount
	opts := tracker.DefaultOptions()
	opts.MaxKademliaConnections = n
	opts.MaxLongrangeConnections = 0

	ports := make([]int, n)
	for i := range ports {
		ports[i] = 1337 + i
	}

	nodes, err := spinUpOnPorts(n, opts, register.DefaultOptions(), nil, ports)
	if err != nil {
		return err
	}
	defer stopAll(nodes)

	for i := 1; i < n; i++ {
		connect(nodes[i], nodes[i-1])
	}

	ok := waitUntil(60*time.Second, 200*time.Millisecond, func() bool {
		total := 0
		for _, node := range nodes {
			got := len(node.GetDirectlyConnectedPeers())
			if got != n-1 {
				return false
			}
			total += got
		}
		return total == n*(n-1)
	})

	return reportResult("line", ok, "every node reaches n-1 direct peers")
}
