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

package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ChainKeyPair is a secp256k1 identity available to attest a node's
// manifest to whatever ledger chain the overlay serves. It is
// intentionally distinct from the Ed25519 KeyPair used for packet
// routing: the 33-byte compressed secp256k1 public key does not fit the
// 32-byte Address used on the wire, and the chain-attestation format
// itself is out of scope here (see DESIGN.md), so this type is kept as
// a standalone, separately-verified primitive rather than a field wired
// into tracker.Manifest.
type ChainKeyPair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// GenerateChainKeyPair creates a new random secp256k1 attestation identity.
func GenerateChainKeyPair() (*ChainKeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &ChainKeyPair{priv: priv, pub: priv.PubKey()}, nil
}

// PublicKeyCompressed returns the 33-byte SEC1-compressed public key.
func (kp *ChainKeyPair) PublicKeyCompressed() []byte {
	return kp.pub.SerializeCompressed()
}

// Sign signs message with SHA-256 + ECDSA, returning a fixed 64-byte r||s
// signature (as opposed to Go's variable-length ASN.1 DER encoding).
func (kp *ChainKeyPair) Sign(message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, kp.priv.ToECDSA(), hash[:])
	if err != nil {
		return nil, err
	}
	return serializeRS(r, s), nil
}

// VerifyChainSignature verifies a 64-byte r||s ECDSA signature made with
// Sign against a 33-byte compressed secp256k1 public key.
func VerifyChainSignature(pubKeyCompressed, message, signature []byte) error {
	if len(signature) != SignatureSize {
		return ErrInvalidSignature
	}
	pub, err := secp256k1.ParsePubKey(pubKeyCompressed)
	if err != nil {
		return ErrInvalidPublicKey
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	hash := sha256.Sum256(message)
	if !ecdsa.Verify(pub.ToECDSA(), hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func serializeRS(r, s *big.Int) []byte {
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	sig := make([]byte, SignatureSize)
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig
}
