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
	"os"
	"path/filepath"
	"time"

	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
	"github.com/spf13/cobra"
)

var rebootNodeCount int

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Bring nodes up, let them converge, persist, stop, then restart from cache",
	RunE:  runReboot,
}

func init() {
	rootCmd.AddCommand(rebootCmd)
	rebootCmd.Flags().IntVar(&rebootNodeCount, "nodes", 10, "number of nodes in the line")
}

func runReboot(cmd *cobra.Command, args []string) error {
	n := rebootNodeCount
	opts := tracker.DefaultOptions()
	opts.MaxKademliaConnections = n
	opts.MaxLongrangeConnections = 0
	opts.PersistInterval = 1

	cacheDir, err := os.MkdirTemp("", "muddle-reboot-")
	if err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	defer os.RemoveAll(cacheDir)

	cachePaths := make([]string, n)
	ports := make([]int, n)
	for i := range cachePaths {
		cachePaths[i] = filepath.Join(cacheDir, fmt.Sprintf("node-%d.json", i))
		ports[i] = 1337 + i
	}

	nodes, err := spinUpOnPorts(n, opts, register.DefaultOptions(), cachePaths, ports)
	if err != nil {
		return err
	}

	for i := 1; i < n; i++ {
		connect(nodes[i], nodes[i-1])
	}

	converged := waitUntil(60*time.Second, 200*time.Millisecond, func() bool {
		for _, node := range nodes {
			if len(node.GetDirectlyConnectedPeers()) != n-1 {
				return false
			}
		}
		return true
	})
	if !converged {
		stopAll(nodes)
		return reportResult("reboot", false, "nodes failed to converge before reboot")
	}

	stopAll(nodes)

	restarted, err := spinUpOnPorts(n, opts, register.DefaultOptions(), cachePaths, ports)
	if err != nil {
		return err
	}
	defer stopAll(restarted)

	ok := waitUntil(40*time.Second, 200*time.Millisecond, func() bool {
		for _, node := range restarted {
			if len(node.GetDirectlyConnectedPeers()) < opts.MaxKademliaConnections && len(node.GetDirectlyConnectedPeers()) < n-1 {
				return false
			}
		}
		return true
	})

	return reportResult("reboot", ok, "restarted nodes reconverge from persisted Kademlia cache")
}
