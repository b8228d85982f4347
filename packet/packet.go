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

// Package packet implements the Muddle wire frame: a plain value type
// with a canonical, stable byte encoding that can be signed and verified
// without any external state.
package packet

import (
	"errors"

	"github.com/muddlenet/muddle/identity"
)

// CurrentVersion is the only packet version this implementation speaks.
const CurrentVersion uint8 = 2

// MaxPayloadSize bounds the payload length field at 16 MiB.
const MaxPayloadSize = 16 * 1024 * 1024

// HeaderSize is the number of bytes in the fixed header, before the
// variable-length payload.
const HeaderSize = 1 + 1 + 2 + 2 + 4 + 1 + 4 + identity.AddressSize + identity.AddressSize + 4

// SignatureSize is the number of trailing signature bytes.
const SignatureSize = identity.SignatureSize

// Flags is a bitmask of packet flags.
type Flags uint8

const (
	FlagDirect Flags = 1 << iota
	FlagBroadcast
	FlagExchange
	FlagEncrypted
	FlagStamp
	FlagSignedPayload
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// NetworkID is a 4-byte ASCII tag partitioning the overlay.
type NetworkID [4]byte

// NetworkIDFromString builds a NetworkID from a short ASCII string,
// truncating or zero-padding to 4 bytes.
func NetworkIDFromString(s string) NetworkID {
	var n NetworkID
	copy(n[:], s)
	return n
}

func (n NetworkID) String() string { return string(n[:]) }

// Errors returned by decode and verification.
var (
	ErrMalformed     = errors.New("packet: malformed encoding")
	ErrBadSignature  = errors.New("packet: signature verification failed")
	ErrPayloadTooBig = errors.New("packet: payload exceeds maximum size")
)

// Packet is the value type carried over every Muddle link.
type Packet struct {
	Version       uint8
	Flags         Flags
	Service       uint16
	Channel       uint16
	MessageNumber uint32
	TTL           uint8
	NetworkID     NetworkID
	Sender        identity.Address
	Target        identity.Address // zero when broadcast
	Payload       []byte
	Signature     [SignatureSize]byte
}

// IsBroadcast reports whether the packet has the broadcast flag set.
func (p *Packet) IsBroadcast() bool { return p.Flags.Has(FlagBroadcast) }

// IsDirect reports whether the packet has the direct flag set.
func (p *Packet) IsDirect() bool { return p.Flags.Has(FlagDirect) }

// IsExchangeReply reports whether the packet carries an Exchange reply.
func (p *Packet) IsExchangeReply() bool { return p.Flags.Has(FlagExchange) }

// HasSignature reports whether the signature field is non-zero.
func (p *Packet) HasSignature() bool {
	return p.Signature != [SignatureSize]byte{}
}

// New builds a Packet with sane defaults (current version, full TTL).
func New(service, channel uint16, sender identity.Address, payload []byte) *Packet {
	return &Packet{
		Version: CurrentVersion,
		Service: service,
		Channel: channel,
		TTL:     255,
		Sender:  sender,
		Payload: payload,
	}
}

// Clone returns a deep copy of p, since Packet carries a slice field.
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}
