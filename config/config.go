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

// Package config loads a Muddle node's on-disk configuration: identity,
// listening ports, tracker/register tuning, and the ambient logging,
// metrics, and health surfaces.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root on-disk shape for a muddle-node invocation.
type Config struct {
	Environment string `yaml:"environment" json:"environment"`

	Identity NodeIdentityConfig `yaml:"identity" json:"identity"`
	Network  NetworkConfig      `yaml:"network" json:"network"`
	Tracker  TrackerConfig      `yaml:"tracker" json:"tracker"`
	Register RegisterConfig     `yaml:"register" json:"register"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health"`
}

// NodeIdentityConfig identifies a node and, optionally, where its signing
// key is persisted between restarts.
type NodeIdentityConfig struct {
	// SeedHex, if set, is a hex-encoded 32-byte Ed25519 seed. Empty means
	// generate a fresh identity at startup, per spec.md section 4.1.
	SeedHex string `yaml:"seed_hex" json:"seed_hex"`
	// SeedFile, if set and SeedHex is empty, is a path to a file holding
	// the hex seed; generated and written on first run.
	SeedFile string `yaml:"seed_file" json:"seed_file"`
}

// NetworkConfig carries the overlay's network identity and the listening
// and advertisement surface of spec.md section 6.
type NetworkConfig struct {
	NetworkID    string `yaml:"network_id" json:"network_id"`
	ListenPorts  []int  `yaml:"listen_ports" json:"listen_ports"`
	ExternalHost string `yaml:"external_host" json:"external_host"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" json:"keepalive_interval"`
	DigestSampleSize  int           `yaml:"digest_sample_size" json:"digest_sample_size"`

	// CachePath persists the Kademlia table and tracker state across
	// restarts, per spec.md section 8's reboot scenario.
	CachePath string `yaml:"cache_path" json:"cache_path"`
}

// TrackerConfig mirrors tracker.Options.
type TrackerConfig struct {
	MaxKademliaConnections  int           `yaml:"max_kademlia_connections" json:"max_kademlia_connections"`
	MaxLongrangeConnections int           `yaml:"max_longrange_connections" json:"max_longrange_connections"`
	ManifestTTL             time.Duration `yaml:"manifest_ttl" json:"manifest_ttl"`
	PersistInterval         int           `yaml:"persist_interval" json:"persist_interval"`
	TickPeriod              time.Duration `yaml:"tick_period" json:"tick_period"`
}

// RegisterConfig mirrors register.Options.
type RegisterConfig struct {
	DisconnectDuplicates bool `yaml:"disconnect_duplicates" json:"disconnect_duplicates"`
	DisconnectFromSelf   bool `yaml:"disconnect_from_self" json:"disconnect_from_self"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// MetricsConfig configures the Prometheus exposition surface.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// HealthConfig configures the liveness/readiness HTTP surface.
type HealthConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	Port         int  `yaml:"port" json:"port"`
	MinConnected int  `yaml:"min_connected" json:"min_connected"`
}

// LoadFromFile loads a Config from a YAML or JSON file, expanding
// ${VAR}/${VAR:default} references and filling unset fields with
// steady-state defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := SubstituteEnvVars(string(data))

	cfg := &Config{Register: RegisterConfig{DisconnectDuplicates: true, DisconnectFromSelf: true}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		if jerr := json.Unmarshal([]byte(expanded), cfg); jerr != nil {
			return nil, fmt.Errorf("parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile writes cfg to path as YAML, or JSON if path ends in ".json".
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// setDefaults fills zero-valued fields with the scenario harness's
// steady-state settings, matching tracker.DefaultOptions. The register
// policies, which default to true as in register.DefaultOptions, are
// preset by LoadFromFile before decoding.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Network.NetworkID == "" {
		cfg.Network.NetworkID = "muddle"
	}
	if len(cfg.Network.ListenPorts) == 0 {
		cfg.Network.ListenPorts = []int{0}
	}
	if cfg.Network.HandshakeTimeout == 0 {
		cfg.Network.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Network.KeepaliveInterval == 0 {
		cfg.Network.KeepaliveInterval = 10 * time.Second
	}
	if cfg.Network.DigestSampleSize == 0 {
		cfg.Network.DigestSampleSize = 16
	}

	if cfg.Tracker.MaxKademliaConnections == 0 {
		cfg.Tracker.MaxKademliaConnections = 8
	}
	if cfg.Tracker.MaxLongrangeConnections == 0 {
		cfg.Tracker.MaxLongrangeConnections = 2
	}
	if cfg.Tracker.ManifestTTL == 0 {
		cfg.Tracker.ManifestTTL = 5 * time.Minute
	}
	if cfg.Tracker.PersistInterval == 0 {
		cfg.Tracker.PersistInterval = 20
	}
	if cfg.Tracker.TickPeriod == 0 {
		cfg.Tracker.TickPeriod = 500 * time.Millisecond
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}
}
