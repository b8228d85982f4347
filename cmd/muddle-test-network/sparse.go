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

	"github.com/muddlenet/muddle/muddle"
	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
	"github.com/spf13/cobra"
)

var sparseNodeCount int

var sparseCmd = &cobra.Command{
	Use:   "sparse",
	Short: "Line topology with a tight connection budget, checking the overlay stays connected",
	RunE:  runSparse,
}

func init() {
	rootCmd.AddCommand(sparseCmd)
	sparseCmd.Flags().IntVar(&sparseNodeCount, "nodes", 10, "number of nodes in the line")
}

func runSparse(cmd *cobra.Command, args []string) error {
	n := sparseNodeCount
	opts := tracker.DefaultOptions()
	opts.MaxKademliaConnections = 2
	opts.MaxLongrangeConnections = 1

	nodes, err := spinUp(n, opts, register.DefaultOptions(), nil)
	if err != nil {
		return err
	}
	defer stopAll(nodes)

	for i := 1; i < n; i++ {
		connect(nodes[i], nodes[i-1])
	}

	ok := waitUntil(120*time.Second, 500*time.Millisecond, func() bool {
		for _, node := range nodes {
			if len(node.GetDirectlyConnectedPeers()) < 2 {
				return false
			}
		}
		return isConnectedGraph(nodes)
	})

	return reportResult("sparse", ok, "every node keeps >=2 peers and the overlay remains one connected graph")
}

// isConnectedGraph runs a BFS over nodes' direct-connection adjacency and
// reports whether every node is reachable from nodes[0].
func isConnectedGraph(nodes []*muddle.Muddle) bool {
	if len(nodes) == 0 {
		return true
	}
	index := make(map[[32]byte]int, len(nodes))
	for i, node := range nodes {
		index[node.GetAddress()] = i
	}

	visited := make([]bool, len(nodes))
	queue := []int{0}
	visited[0] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, peer := range nodes[cur].GetDirectlyConnectedPeers() {
			j, ok := index[peer]
			if !ok || visited[j] {
				continue
			}
			visited[j] = true
			queue = append(queue, j)
		}
	}

	for _, v := range visited {
		if !v {
			return false
		}
	}
	return true
}
