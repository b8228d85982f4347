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

var allToAllNodeCount int

var allToAllCmd = &cobra.Command{
	Use:   "all-to-all",
	Short: "Every node dials every other node, without duplicate/self pruning",
	RunE:  runAllToAll,
}

func init() {
	rootCmd.AddCommand(allToAllCmd)
	allToAllCmd.Flags().IntVar(&allToAllNodeCount, "nodes", 10, "number of nodes")
}

func runAllToAll(cmd *cobra.Command, args []string) error {
	n := allToAllNodeCount
	opts := tracker.DefaultOptions()
	opts.MaxKademliaConnections = n
	opts.MaxLongrangeConnections = 0

	regOpts := register.Options{DisconnectDuplicates: false, DisconnectFromSelf: false}

	nodes, err := spinUp(n, opts, regOpts, nil)
	if err != nil {
		return err
	}
	defer stopAll(nodes)

	for i := range nodes {
		for j := range nodes {
			connect(nodes[i], nodes[j])
		}
	}

	ok := waitUntil(60*time.Second, 200*time.Millisecond, func() bool {
		total := 0
		for _, node := range nodes {
			got := len(node.GetDirectlyConnectedPeers())
			if got != n {
				return false
			}
			total += got
		}
		return total == n*n
	})

	return reportResult("all-to-all", ok, "every node reaches n direct peers including self-loop")
}
