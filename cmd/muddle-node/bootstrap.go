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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/muddlenet/muddle/identity"
)

// parseBootstrapPeer splits a "hexaddress=tcp://host:port" entry into its
// address and URI.
func parseBootstrapPeer(entry string) (identity.Address, string, error) {
	parts := strings.SplitN(entry, "=", 2)
	if len(parts) != 2 {
		return identity.Address{}, "", fmt.Errorf("expected address=uri, got %q", entry)
	}

	raw, err := hex.DecodeString(parts[0])
	if err != nil {
		return identity.Address{}, "", fmt.Errorf("decode address: %w", err)
	}
	addr, err := identity.AddressFromBytes(raw)
	if err != nil {
		return identity.Address{}, "", fmt.Errorf("invalid address: %w", err)
	}
	return addr, parts[1], nil
}
