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

package packet

import (
	"encoding/binary"

	"github.com/muddlenet/muddle/identity"
)

// Encode produces the canonical byte encoding of p: header, payload, then
// the trailing signature. Implementations MUST produce byte-identical
// encodings for identical inputs so that signatures stay portable.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooBig
	}

	buf := make([]byte, HeaderSize+len(p.Payload)+SignatureSize)
	p.encodeHeaderAndPayload(buf)
	copy(buf[HeaderSize+len(p.Payload):], p.Signature[:])
	return buf, nil
}

// signingBytes returns the header+payload encoding the signature is
// computed over (the signature field itself is never part of it).
func (p *Packet) signingBytes() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	p.encodeHeaderAndPayload(buf)
	return buf
}

func (p *Packet) encodeHeaderAndPayload(buf []byte) {
	buf[0] = p.Version
	buf[1] = byte(p.Flags)
	binary.BigEndian.PutUint16(buf[2:4], p.Service)
	binary.BigEndian.PutUint16(buf[4:6], p.Channel)
	binary.BigEndian.PutUint32(buf[6:10], p.MessageNumber)
	buf[10] = p.TTL
	copy(buf[11:15], p.NetworkID[:])
	copy(buf[15:15+identity.AddressSize], p.Sender[:])
	copy(buf[15+identity.AddressSize:15+2*identity.AddressSize], p.Target[:])
	binary.BigEndian.PutUint32(buf[79:83], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
}

// Decode parses a byte slice into a Packet. It fails with ErrMalformed on
// any decode-time length mismatch, unknown version, or truncated
// signature.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize+SignatureSize {
		return nil, ErrMalformed
	}

	p := &Packet{
		Version:       data[0],
		Flags:         Flags(data[1]),
		Service:       binary.BigEndian.Uint16(data[2:4]),
		Channel:       binary.BigEndian.Uint16(data[4:6]),
		MessageNumber: binary.BigEndian.Uint32(data[6:10]),
		TTL:           data[10],
	}
	if p.Version != CurrentVersion {
		return nil, ErrMalformed
	}
	copy(p.NetworkID[:], data[11:15])

	sender, err := identity.AddressFromBytes(data[15 : 15+identity.AddressSize])
	if err != nil {
		return nil, ErrMalformed
	}
	p.Sender = sender

	target, err := identity.AddressFromBytes(data[15+identity.AddressSize : 15+2*identity.AddressSize])
	if err != nil {
		return nil, ErrMalformed
	}
	p.Target = target

	payloadLen := binary.BigEndian.Uint32(data[79:83])
	if payloadLen > MaxPayloadSize {
		return nil, ErrMalformed
	}
	if uint32(len(data)) != uint32(HeaderSize)+payloadLen+uint32(SignatureSize) {
		return nil, ErrMalformed
	}

	p.Payload = append([]byte(nil), data[HeaderSize:HeaderSize+payloadLen]...)
	copy(p.Signature[:], data[HeaderSize+payloadLen:])

	return p, nil
}

// Sign computes the packet's signature over its canonical encoding (with
// the signature field absent) using kp, and stores the result in
// p.Signature.
func (p *Packet) Sign(kp *identity.KeyPair) {
	sig := kp.Sign(p.signingBytes())
	copy(p.Signature[:], sig)
}

// Verify recomputes the signing bytes and checks them against p.Signature
// and p.Sender. Routed packets must always be signed; a packet whose
// signature field is absent is only acceptable for inbound frames
// arriving on an already-authenticated direct channel, which callers must
// check for separately via HasSignature.
func (p *Packet) Verify() error {
	if err := identity.Verify(p.Sender, p.signingBytes(), p.Signature[:]); err != nil {
		return ErrBadSignature
	}
	return nil
}
