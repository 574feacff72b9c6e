// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTopology         = errors.New("invalid topology")
	ErrNoNodes                 = errors.New("chain declares no nodes")
	ErrZeroParaID              = errors.New("parachain id must be non-zero")
	ErrDuplicateParaID         = errors.New("duplicate parachain id")
	ErrDuplicateNodeName       = errors.New("duplicate node name")
	ErrDuplicatePort           = errors.New("duplicate port declaration")
	ErrMissingCommand          = errors.New("node has no command")
	ErrUnknownParachain        = errors.New("channel references undeclared parachain")
	ErrLoopbackChannel         = errors.New("channel sender and recipient are the same")
	ErrNonPositiveChannelBound = errors.New("channel bounds must be positive")
)

// Topology is the parsed declarative description of a test network: one
// relay chain, its parachains, and the messaging channels between them.
// A Topology is immutable once validated.
type Topology struct {
	RelayChain   RelayChainSpec  `json:"relaychain" yaml:"relaychain" toml:"relaychain"`
	Parachains   []ParachainSpec `json:"parachains" yaml:"parachains" toml:"parachains"`
	HRMPChannels []ChannelSpec   `json:"hrmp_channels,omitempty" yaml:"hrmp_channels,omitempty" toml:"hrmp_channels,omitempty"`
}

type RelayChainSpec struct {
	// Chain is the chain profile handed to nodes via --chain,
	// e.g. "rococo-local".
	Chain          string     `json:"chain" yaml:"chain" toml:"chain"`
	DefaultCommand string     `json:"default_command,omitempty" yaml:"default_command,omitempty" toml:"default_command,omitempty"`
	DefaultArgs    []string   `json:"default_args,omitempty" yaml:"default_args,omitempty" toml:"default_args,omitempty"`
	Nodes          []NodeSpec `json:"nodes" yaml:"nodes" toml:"nodes"`
}

type ParachainSpec struct {
	ID             uint32     `json:"id" yaml:"id" toml:"id"`
	Chain          string     `json:"chain,omitempty" yaml:"chain,omitempty" toml:"chain,omitempty"`
	Cumulus        *bool      `json:"cumulus_based,omitempty" yaml:"cumulus_based,omitempty" toml:"cumulus_based,omitempty"`
	DefaultCommand string     `json:"default_command,omitempty" yaml:"default_command,omitempty" toml:"default_command,omitempty"`
	DefaultArgs    []string   `json:"default_args,omitempty" yaml:"default_args,omitempty" toml:"default_args,omitempty"`
	Collators      []NodeSpec `json:"collators" yaml:"collators" toml:"collators"`
}

// IsCumulusBased reports whether the parachain's collators require a relay
// chain endpoint at startup. Defaults to true when the topology omits the
// flag, matching the common collator implementation.
func (p *ParachainSpec) IsCumulusBased() bool {
	return p.Cumulus == nil || *p.Cumulus
}

type NodeSpec struct {
	Name      string   `json:"name" yaml:"name" toml:"name"`
	Validator bool     `json:"validator,omitempty" yaml:"validator,omitempty" toml:"validator,omitempty"`
	Command   string   `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	// Zero ports are resolved by the port allocator before launch.
	RPCPort uint16 `json:"rpc_port,omitempty" yaml:"rpc_port,omitempty" toml:"rpc_port,omitempty"`
	WSPort  uint16 `json:"ws_port,omitempty" yaml:"ws_port,omitempty" toml:"ws_port,omitempty"`
}

// ChannelSpec declares a unidirectional HRMP channel. Bidirectional
// messaging requires a second entry with sender and recipient swapped.
type ChannelSpec struct {
	Sender         uint32 `json:"sender" yaml:"sender" toml:"sender"`
	Recipient      uint32 `json:"recipient" yaml:"recipient" toml:"recipient"`
	MaxCapacity    uint32 `json:"max_capacity" yaml:"max_capacity" toml:"max_capacity"`
	MaxMessageSize uint32 `json:"max_message_size" yaml:"max_message_size" toml:"max_message_size"`
}

// LoadTopology parses and validates a topology file. The format is chosen by
// extension: .json, .yaml/.yml, or .toml.
func LoadTopology(path string) (*Topology, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}

	topology := &Topology{}
	switch ext := filepath.Ext(path); ext {
	case ".json":
		err = json.Unmarshal(contents, topology)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(contents, topology)
	case ".toml":
		err = toml.Unmarshal(contents, topology)
	default:
		return nil, fmt.Errorf("unsupported topology format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse topology %s: %w", path, err)
	}

	if err := topology.Validate(); err != nil {
		return nil, err
	}
	return topology, nil
}

// Parachain returns the declared parachain with the given id.
func (t *Topology) Parachain(id uint32) (*ParachainSpec, bool) {
	for i := range t.Parachains {
		if t.Parachains[i].ID == id {
			return &t.Parachains[i], true
		}
	}
	return nil, false
}

// NodeCount returns the total number of declared nodes across all chains.
func (t *Topology) NodeCount() int {
	count := len(t.RelayChain.Nodes)
	for i := range t.Parachains {
		count += len(t.Parachains[i].Collators)
	}
	return count
}

// Validate checks every structural invariant of the topology. All violations
// are reported together and each wraps a sentinel distinguishable with
// errors.Is; the aggregate wraps ErrInvalidTopology. No partial or corrected
// topology is ever produced.
func (t *Topology) Validate() error {
	var errs []error

	errs = append(errs, t.validateChains()...)
	errs = append(errs, t.validatePorts()...)
	errs = append(errs, t.validateChannels()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, errors.Join(errs...))
	}
	return nil
}

func (t *Topology) validateChains() []error {
	var errs []error

	if len(t.RelayChain.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("%w: relay chain", ErrNoNodes))
	}
	errs = append(errs, validateNodes("relay chain", t.RelayChain.Nodes, t.RelayChain.DefaultCommand)...)

	paraIDs := make(map[uint32]struct{}, len(t.Parachains))
	for i := range t.Parachains {
		para := &t.Parachains[i]
		label := fmt.Sprintf("parachain %d", para.ID)

		if para.ID == 0 {
			errs = append(errs, ErrZeroParaID)
		}
		if _, ok := paraIDs[para.ID]; ok {
			errs = append(errs, fmt.Errorf("%w: %d", ErrDuplicateParaID, para.ID))
		}
		paraIDs[para.ID] = struct{}{}

		if len(para.Collators) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoNodes, label))
		}
		errs = append(errs, validateNodes(label, para.Collators, para.DefaultCommand)...)
	}
	return errs
}

func validateNodes(label string, nodes []NodeSpec, defaultCommand string) []error {
	var errs []error
	names := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		if _, ok := names[node.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: %q in %s", ErrDuplicateNodeName, node.Name, label))
		}
		names[node.Name] = struct{}{}

		if len(node.Command) == 0 && len(defaultCommand) == 0 {
			errs = append(errs, fmt.Errorf("%w: %q in %s", ErrMissingCommand, node.Name, label))
		}
	}
	return errs
}

// validatePorts rejects topologies in which two nodes (or two endpoints of
// one node) declare the same port, anywhere in the network.
func (t *Topology) validatePorts() []error {
	var errs []error
	claimed := make(map[uint16]string, 2*t.NodeCount())

	claim := func(port uint16, owner string) {
		if port == 0 {
			return
		}
		if prev, ok := claimed[port]; ok {
			errs = append(errs, fmt.Errorf("%w: port %d declared by both %s and %s", ErrDuplicatePort, port, prev, owner))
			return
		}
		claimed[port] = owner
	}

	for i := range t.RelayChain.Nodes {
		node := &t.RelayChain.Nodes[i]
		claim(node.RPCPort, fmt.Sprintf("relay node %q (rpc)", node.Name))
		claim(node.WSPort, fmt.Sprintf("relay node %q (ws)", node.Name))
	}
	for i := range t.Parachains {
		para := &t.Parachains[i]
		for j := range para.Collators {
			node := &para.Collators[j]
			claim(node.RPCPort, fmt.Sprintf("parachain %d collator %q (rpc)", para.ID, node.Name))
			claim(node.WSPort, fmt.Sprintf("parachain %d collator %q (ws)", para.ID, node.Name))
		}
	}
	return errs
}

func (t *Topology) validateChannels() []error {
	var errs []error
	for _, channel := range t.HRMPChannels {
		if channel.Sender == channel.Recipient {
			errs = append(errs, fmt.Errorf("%w: %d", ErrLoopbackChannel, channel.Sender))
		}
		if _, ok := t.Parachain(channel.Sender); !ok {
			errs = append(errs, fmt.Errorf("%w: sender %d", ErrUnknownParachain, channel.Sender))
		}
		if _, ok := t.Parachain(channel.Recipient); !ok {
			errs = append(errs, fmt.Errorf("%w: recipient %d", ErrUnknownParachain, channel.Recipient))
		}
		if channel.MaxCapacity == 0 {
			errs = append(errs, fmt.Errorf("%w: max_capacity of %d -> %d", ErrNonPositiveChannelBound, channel.Sender, channel.Recipient))
		}
		if channel.MaxMessageSize == 0 {
			errs = append(errs, fmt.Errorf("%w: max_message_size of %d -> %d", ErrNonPositiveChannelBound, channel.Sender, channel.Recipient))
		}
	}
	return errs
}
