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

// Package discovery implements the DiscoveryService of spec.md section
// 2: an RPC protocol, carried over the router's Exchange mechanism,
// that exposes a node's local manifest and known-peer list to whoever
// asks for it. The peer tracker is this package's primary caller, using
// it to refresh cached manifests for directly-connected peers.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/kademlia"
	"github.com/muddlenet/muddle/tracker"
)

// ServiceID and ChannelID are the reserved (service, channel) tuple the
// discovery RPC is dispatched on.
const (
	ServiceID uint16 = 1
	ChannelID uint16 = 0
)

// Request asks for a node's manifest and, optionally, a sample of its
// known-peer table.
type Request struct {
	IncludePeerSample bool `json:"include_peer_sample"`
	SampleSize        int  `json:"sample_size"`
}

// Response is what a node's DiscoveryService returns.
type Response struct {
	Manifest tracker.Manifest `json:"manifest"`
	Peers    []PeerSummary    `json:"peers,omitempty"`
}

// PeerSummary is a lightweight, wire-friendly view of a known peer.
type PeerSummary struct {
	Address identity.Address `json:"address"`
	URI     string           `json:"uri"`
}

// Service answers local DiscoveryService requests and issues them to
// remote peers.
type Service struct {
	own      identity.Address
	manifest func() tracker.Manifest
	table    *kademlia.Table
}

// New creates a discovery Service. manifestFn supplies the node's
// current, live manifest on every request (never cached inside this
// package, unlike the tracker's view of remote manifests).
func New(own identity.Address, manifestFn func() tracker.Manifest, table *kademlia.Table) *Service {
	return &Service{own: own, manifest: manifestFn, table: table}
}

// HandleRequest answers an inbound discovery Request with this node's
// manifest and, if asked, a peer sample. It is the RPCHandler registered
// on (ServiceID, ChannelID) with the router.
func (s *Service) HandleRequest(payload []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("discovery: decode request: %w", err)
	}

	resp := Response{Manifest: s.manifest()}
	if req.IncludePeerSample && s.table != nil {
		size := req.SampleSize
		if size <= 0 {
			size = 10
		}
		for _, p := range s.table.RandomSample(size) {
			resp.Peers = append(resp.Peers, PeerSummary{Address: p.Address, URI: p.URI})
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode response: %w", err)
	}
	return out, nil
}

// ParseResponse decodes a discovery RPC reply payload.
func ParseResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("discovery: decode response: %w", err)
	}
	return resp, nil
}

// EncodeRequest encodes a discovery Request for Exchange.
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}
