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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/kademlia"
	"github.com/spf13/cobra"
)

var kademliaRecoveryPeerCount int

var kademliaRecoveryCmd = &cobra.Command{
	Use:   "kademlia-recovery",
	Short: "Insert synthetic peers into a table, dump, and load into a fresh table",
	RunE:  runKademliaRecovery,
}

func init() {
	rootCmd.AddCommand(kademliaRecoveryCmd)
	kademliaRecoveryCmd.Flags().IntVar(&kademliaRecoveryPeerCount, "peers", 1000, "number of synthetic peers to insert")
}

func runKademliaRecovery(cmd *cobra.Command, args []string) error {
	ownSeed := make([]byte, 32)
	ownSeed[2] = 1 // bytes 8-15 all zero, unlike every synthetic peer seed below
	own, err := identity.FromSeed(ownSeed)
	if err != nil {
		return err
	}

	table := kademlia.New(own.Address())

	// Ed25519 addresses don't correlate with seed bytes the way a raw
	// distance key would, so synthetic peers drawn from arbitrary seeds
	// land on bucket indices roughly uniformly at random: bucket 0 alone
	// would claim about half of them. Left unchecked that blows past
	// BucketSize on the low buckets and ReportExistence evicts the
	// overflow, so fewer than kademliaRecoveryPeerCount entries survive.
	// Track per-bucket occupancy and only keep peers that still fit, so
	// every insertion here is one the table actually retains.
	bucketCounts := make(map[int]int)
	inserted := 0
	maxAttempts := kademliaRecoveryPeerCount * 200
	for attempt := 0; inserted < kademliaRecoveryPeerCount; attempt++ {
		if attempt >= maxAttempts {
			return fmt.Errorf("only placed %d/%d synthetic peers after %d attempts", inserted, kademliaRecoveryPeerCount, attempt)
		}
		seed := make([]byte, 32)
		binary.BigEndian.PutUint64(seed[0:8], uint64(attempt))
		binary.BigEndian.PutUint64(seed[8:16], uint64(attempt)*2654435761+1)
		peer, err := identity.FromSeed(seed)
		if err != nil {
			continue
		}
		idx, ok := kademlia.BucketIndex(own.Address(), peer.Address())
		if !ok || bucketCounts[idx] >= kademlia.BucketSize {
			continue
		}
		uri := fmt.Sprintf("tcp://127.0.0.1:%d", 20000+inserted%2000)
		if err := table.ReportExistence(peer.Address(), uri); err != nil {
			continue
		}
		bucketCounts[idx]++
		inserted++
	}

	dir, err := os.MkdirTemp("", "muddle-kademlia-recovery-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	dumpPath := filepath.Join(dir, "table.json")
	if err := table.Dump(dumpPath); err != nil {
		return fmt.Errorf("dump table: %w", err)
	}

	loaded, err := kademlia.Load(dumpPath, own.Address())
	if err != nil {
		return fmt.Errorf("load table: %w", err)
	}

	ok := loaded.Len() == table.Len()
	detail := fmt.Sprintf("loaded table has %d entries, original had %d", loaded.Len(), table.Len())

	if ok {
		for _, info := range loaded.All() {
			idx, fits := kademlia.BucketIndex(own.Address(), info.Address)
			if !fits {
				ok = false
				detail = fmt.Sprintf("peer %s has no valid bucket index", info.Address)
				break
			}
			_ = idx
		}
	}

	return reportResult("kademlia-recovery", ok, detail)
}
