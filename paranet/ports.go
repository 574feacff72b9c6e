// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"errors"
	"fmt"
)

var ErrPortExhausted = errors.New("no free port in allocation window")

// ResolvedPorts is the full set of listen ports assigned to one node.
type ResolvedPorts struct {
	RPC uint16 `json:"rpc"`
	WS  uint16 `json:"ws"`
	P2P uint16 `json:"p2p"`
}

// PortAllocator assigns non-conflicting ports to the nodes of a topology.
// Explicitly declared ports are honored unchanged; undeclared ports are
// found by scanning upward from the base port, skipping everything claimed
// so far. Resolution in declaration order therefore yields the same
// assignment on every run of the same topology.
type PortAllocator struct {
	basePort uint16
	window   uint16
	claimed  map[uint16]struct{}
}

// NewPortAllocator seeds the claimed set with every port the topology
// declares explicitly so that allocation can never collide with them.
func NewPortAllocator(topology *Topology, basePort uint16, window uint16) *PortAllocator {
	if basePort == 0 {
		basePort = DefaultBasePort
	}
	if window == 0 {
		window = DefaultPortWindow
	}

	claimed := make(map[uint16]struct{}, 2*topology.NodeCount())
	claimPorts := func(nodes []NodeSpec) {
		for i := range nodes {
			if port := nodes[i].RPCPort; port > 0 {
				claimed[port] = struct{}{}
			}
			if port := nodes[i].WSPort; port > 0 {
				claimed[port] = struct{}{}
			}
		}
	}
	claimPorts(topology.RelayChain.Nodes)
	for i := range topology.Parachains {
		claimPorts(topology.Parachains[i].Collators)
	}

	return &PortAllocator{
		basePort: basePort,
		window:   window,
		claimed:  claimed,
	}
}

// Resolve returns the node's full port assignment, allocating a free port
// for every endpoint the node leaves unset. P2P ports are never declared and
// are always allocated.
func (a *PortAllocator) Resolve(spec *NodeSpec) (ResolvedPorts, error) {
	var (
		ports = ResolvedPorts{
			RPC: spec.RPCPort,
			WS:  spec.WSPort,
		}
		err error
	)
	if ports.RPC == 0 {
		if ports.RPC, err = a.allocate(); err != nil {
			return ResolvedPorts{}, fmt.Errorf("rpc port for node %q: %w", spec.Name, err)
		}
	}
	if ports.WS == 0 {
		if ports.WS, err = a.allocate(); err != nil {
			return ResolvedPorts{}, fmt.Errorf("ws port for node %q: %w", spec.Name, err)
		}
	}
	if ports.P2P, err = a.allocate(); err != nil {
		return ResolvedPorts{}, fmt.Errorf("p2p port for node %q: %w", spec.Name, err)
	}
	return ports, nil
}

// allocate claims the first unclaimed port at or above the base port.
func (a *PortAllocator) allocate() (uint16, error) {
	for offset := 0; offset < int(a.window); offset++ {
		candidate := int(a.basePort) + offset
		if candidate > 65535 {
			break
		}
		port := uint16(candidate)
		if _, ok := a.claimed[port]; ok {
			continue
		}
		a.claimed[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: scanned %d ports from %d", ErrPortExhausted, a.window, a.basePort)
}
