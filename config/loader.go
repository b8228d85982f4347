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

package config

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/muddle"
	"github.com/muddlenet/muddle/packet"
	"github.com/muddlenet/muddle/register"
	"github.com/muddlenet/muddle/tracker"
)

// LoadIdentity resolves the node's signing key per NodeIdentityConfig: an
// inline hex seed, a seed file (generated on first run), or a fresh
// identity when neither is set.
func LoadIdentity(cfg NodeIdentityConfig) (*identity.KeyPair, error) {
	if cfg.SeedHex != "" {
		seed, err := hex.DecodeString(cfg.SeedHex)
		if err != nil {
			return nil, fmt.Errorf("decode seed_hex: %w", err)
		}
		return identity.FromSeed(seed)
	}

	if cfg.SeedFile == "" {
		return identity.Generate()
	}

	if data, err := ioutil.ReadFile(cfg.SeedFile); err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode seed file %s: %w", cfg.SeedFile, err)
		}
		return identity.FromSeed(seed)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read seed file %s: %w", cfg.SeedFile, err)
	}

	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	seed := kp.Seed()
	if err := ioutil.WriteFile(cfg.SeedFile, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("write seed file %s: %w", cfg.SeedFile, err)
	}
	return kp, nil
}

// TrackerOptions converts TrackerConfig into tracker.Options.
func (c TrackerConfig) TrackerOptions() tracker.Options {
	return tracker.Options{
		MaxKademliaConnections:  c.MaxKademliaConnections,
		MaxLongrangeConnections: c.MaxLongrangeConnections,
		DisconnectDuplicates:    true,
		DisconnectFromSelf:      true,
		ManifestTTL:             c.ManifestTTL,
		PersistInterval:         c.PersistInterval,
		TickPeriod:              c.TickPeriod,
	}
}

// RegisterOptions converts RegisterConfig into register.Options.
func (c RegisterConfig) RegisterOptions() register.Options {
	return register.Options{
		DisconnectDuplicates: c.DisconnectDuplicates,
		DisconnectFromSelf:   c.DisconnectFromSelf,
	}
}

// NetworkIDValue parses the configured network identifier string into a
// packet.NetworkID.
func (c NetworkConfig) NetworkIDValue() packet.NetworkID {
	return packet.NetworkIDFromString(c.NetworkID)
}

// MuddleConfig builds a muddle.Config from the full node Config and an
// already-resolved identity, ready to pass to muddle.New.
func (c *Config) MuddleConfig(kp *identity.KeyPair) muddle.Config {
	return muddle.Config{
		KeyPair:           kp,
		NetworkID:         c.Network.NetworkIDValue(),
		ExternalHost:      c.Network.ExternalHost,
		HandshakeTimeout:  c.Network.HandshakeTimeout,
		KeepaliveInterval: c.Network.KeepaliveInterval,
		DigestSampleSize:  c.Network.DigestSampleSize,
		RegisterOptions:   c.Register.RegisterOptions(),
		TrackerOptions:    c.Tracker.TrackerOptions(),
		CachePath:         c.Network.CachePath,
	}
}
