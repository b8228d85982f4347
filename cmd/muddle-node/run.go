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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muddlenet/muddle/config"
	"github.com/muddlenet/muddle/health"
	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/muddle"
	"github.com/muddlenet/muddle/peerlist"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	bootstrapAt []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node and block until terminated",
	Long: `run loads a node configuration file, starts listening, and
joins the overlay by dialing any --bootstrap addresses given as
address=tcp://host:port pairs (address is the peer's hex-encoded
public-key address).`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to node config file (YAML or JSON)")
	runCmd.Flags().StringSliceVar(&bootstrapAt, "bootstrap", nil, "address=uri pairs of peers to dial at startup")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.GetDefaultLogger()
	if cfg.Logging.Level != "" {
		if lvl, ok := logger.ParseLevel(cfg.Logging.Level); ok {
			log.SetLevel(lvl)
		}
	}
	log.SetPrettyPrint(cfg.Logging.Pretty)

	kp, err := config.LoadIdentity(cfg.Identity)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info("node identity resolved", logger.String("address", kp.Address().String()))

	node := muddle.New(cfg.MuddleConfig(kp))
	if err := node.Start(cfg.Network.ListenPorts); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Stop()

	log.Info("node started", logger.Any("ports", node.GetListeningPorts()))

	for _, peer := range bootstrapAt {
		addr, uri, err := parseBootstrapPeer(peer)
		if err != nil {
			log.Warn("skipping malformed bootstrap peer", logger.String("entry", peer), logger.Error(err))
			continue
		}
		node.ConnectTo(addr, uri, peerlist.Never)
	}

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		checker := node.NewHealthChecker(cfg.Health.MinConnected)
		healthSrv = health.NewServer(checker, log, cfg.Health.Port)
		if err := healthSrv.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if healthSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Stop(ctx)
	}
	return nil
}
