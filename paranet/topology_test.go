// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/paranet/utils/perms"
)

func newValidTopology() *Topology {
	return &Topology{
		RelayChain: RelayChainSpec{
			Chain:          "rococo-local",
			DefaultCommand: "polkadot",
			Nodes: []NodeSpec{
				{Name: "alice", Validator: true, RPCPort: 7100, WSPort: 7101},
				{Name: "bob", Validator: true, RPCPort: 7200, WSPort: 7201},
			},
		},
		Parachains: []ParachainSpec{
			{
				ID:             1000,
				Chain:          "local",
				DefaultCommand: "parachain-collator",
				Collators:      []NodeSpec{{Name: "collator-a"}},
			},
			{
				ID:             2000,
				Chain:          "local",
				DefaultCommand: "parachain-collator",
				Collators:      []NodeSpec{{Name: "collator-b"}},
			},
		},
		HRMPChannels: []ChannelSpec{
			{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1_048_576},
			{Sender: 2000, Recipient: 1000, MaxCapacity: 8, MaxMessageSize: 1_048_576},
		},
	}
}

func TestValidateTopology(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Topology)
		wantErrs []error
	}{
		{
			name:   "fully specified topology",
			mutate: func(*Topology) {},
		},
		{
			name: "same node name on different chains",
			mutate: func(topology *Topology) {
				topology.Parachains[0].Collators[0].Name = "alice"
			},
		},
		{
			name: "no relay chain nodes",
			mutate: func(topology *Topology) {
				topology.RelayChain.Nodes = nil
			},
			wantErrs: []error{ErrNoNodes},
		},
		{
			name: "parachain without collators",
			mutate: func(topology *Topology) {
				topology.Parachains[1].Collators = nil
			},
			wantErrs: []error{ErrNoNodes},
		},
		{
			name: "zero parachain id",
			mutate: func(topology *Topology) {
				topology.Parachains[0].ID = 0
			},
			wantErrs: []error{ErrZeroParaID, ErrUnknownParachain},
		},
		{
			name: "duplicate parachain id",
			mutate: func(topology *Topology) {
				topology.Parachains[1].ID = 1000
			},
			wantErrs: []error{ErrDuplicateParaID, ErrUnknownParachain},
		},
		{
			name: "duplicate node name within a chain",
			mutate: func(topology *Topology) {
				topology.RelayChain.Nodes[1].Name = "alice"
			},
			wantErrs: []error{ErrDuplicateNodeName},
		},
		{
			name: "duplicate explicit port across chains",
			mutate: func(topology *Topology) {
				topology.Parachains[0].Collators[0].RPCPort = 7100
			},
			wantErrs: []error{ErrDuplicatePort},
		},
		{
			name: "one node reusing a port for both endpoints",
			mutate: func(topology *Topology) {
				topology.RelayChain.Nodes[0].WSPort = 7100
			},
			wantErrs: []error{ErrDuplicatePort},
		},
		{
			name: "no command anywhere",
			mutate: func(topology *Topology) {
				topology.Parachains[0].DefaultCommand = ""
			},
			wantErrs: []error{ErrMissingCommand},
		},
		{
			name: "channel referencing an undeclared parachain",
			mutate: func(topology *Topology) {
				topology.HRMPChannels[0].Sender = 3000
			},
			wantErrs: []error{ErrUnknownParachain},
		},
		{
			name: "loopback channel",
			mutate: func(topology *Topology) {
				topology.HRMPChannels[0].Recipient = 1000
			},
			wantErrs: []error{ErrLoopbackChannel},
		},
		{
			name: "zero channel capacity",
			mutate: func(topology *Topology) {
				topology.HRMPChannels[1].MaxCapacity = 0
			},
			wantErrs: []error{ErrNonPositiveChannelBound},
		},
		{
			name: "zero channel message size",
			mutate: func(topology *Topology) {
				topology.HRMPChannels[1].MaxMessageSize = 0
			},
			wantErrs: []error{ErrNonPositiveChannelBound},
		},
		{
			name: "every violation reported together",
			mutate: func(topology *Topology) {
				topology.RelayChain.Nodes[1].Name = "alice"
				topology.Parachains[0].Collators[0].RPCPort = 7100
				topology.HRMPChannels[0].MaxCapacity = 0
			},
			wantErrs: []error{ErrDuplicateNodeName, ErrDuplicatePort, ErrNonPositiveChannelBound},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			topology := newValidTopology()
			test.mutate(topology)

			err := topology.Validate()
			if len(test.wantErrs) == 0 {
				require.NoError(err)
				return
			}
			require.ErrorIs(err, ErrInvalidTopology)
			for _, wantErr := range test.wantErrs {
				require.ErrorIs(err, wantErr)
			}
		})
	}
}

const (
	topologyJSON = `{
  "relaychain": {
    "chain": "rococo-local",
    "default_command": "polkadot",
    "nodes": [
      {"name": "alice", "validator": true, "rpc_port": 7100, "ws_port": 7101, "args": ["--alice"]},
      {"name": "bob", "validator": true}
    ]
  },
  "parachains": [
    {
      "id": 1000,
      "chain": "local",
      "default_command": "parachain-collator",
      "collators": [{"name": "collator-a"}]
    },
    {
      "id": 2000,
      "chain": "local",
      "cumulus_based": false,
      "default_command": "parachain-collator",
      "collators": [{"name": "collator-b"}]
    }
  ],
  "hrmp_channels": [
    {"sender": 1000, "recipient": 2000, "max_capacity": 8, "max_message_size": 1048576},
    {"sender": 2000, "recipient": 1000, "max_capacity": 8, "max_message_size": 1048576}
  ]
}`

	topologyYAML = `relaychain:
  chain: rococo-local
  default_command: polkadot
  nodes:
    - name: alice
      validator: true
      rpc_port: 7100
      ws_port: 7101
      args: ["--alice"]
    - name: bob
      validator: true
parachains:
  - id: 1000
    chain: local
    default_command: parachain-collator
    collators:
      - name: collator-a
  - id: 2000
    chain: local
    cumulus_based: false
    default_command: parachain-collator
    collators:
      - name: collator-b
hrmp_channels:
  - sender: 1000
    recipient: 2000
    max_capacity: 8
    max_message_size: 1048576
  - sender: 2000
    recipient: 1000
    max_capacity: 8
    max_message_size: 1048576
`

	topologyTOML = `[relaychain]
chain = "rococo-local"
default_command = "polkadot"

[[relaychain.nodes]]
name = "alice"
validator = true
rpc_port = 7100
ws_port = 7101
args = ["--alice"]

[[relaychain.nodes]]
name = "bob"
validator = true

[[parachains]]
id = 1000
chain = "local"
default_command = "parachain-collator"

[[parachains.collators]]
name = "collator-a"

[[parachains]]
id = 2000
chain = "local"
cumulus_based = false
default_command = "parachain-collator"

[[parachains.collators]]
name = "collator-b"

[[hrmp_channels]]
sender = 1000
recipient = 2000
max_capacity = 8
max_message_size = 1048576

[[hrmp_channels]]
sender = 2000
recipient = 1000
max_capacity = 8
max_message_size = 1048576
`
)

func TestLoadTopologyFormats(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{name: "json", filename: "topology.json", content: topologyJSON},
		{name: "yaml", filename: "topology.yaml", content: topologyYAML},
		{name: "toml", filename: "topology.toml", content: topologyTOML},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			path := filepath.Join(t.TempDir(), test.filename)
			require.NoError(os.WriteFile(path, []byte(test.content), perms.ReadWrite))

			topology, err := LoadTopology(path)
			require.NoError(err)

			require.Equal("rococo-local", topology.RelayChain.Chain)
			require.Equal("polkadot", topology.RelayChain.DefaultCommand)
			require.Len(topology.RelayChain.Nodes, 2)
			require.Equal("alice", topology.RelayChain.Nodes[0].Name)
			require.True(topology.RelayChain.Nodes[0].Validator)
			require.Equal(uint16(7100), topology.RelayChain.Nodes[0].RPCPort)
			require.Equal(uint16(7101), topology.RelayChain.Nodes[0].WSPort)
			require.Equal([]string{"--alice"}, topology.RelayChain.Nodes[0].Args)
			require.Zero(topology.RelayChain.Nodes[1].RPCPort)

			require.Len(topology.Parachains, 2)
			para1000, ok := topology.Parachain(1000)
			require.True(ok)
			// An unset cumulus flag defaults to true.
			require.True(para1000.IsCumulusBased())
			para2000, ok := topology.Parachain(2000)
			require.True(ok)
			require.False(para2000.IsCumulusBased())

			require.Len(topology.HRMPChannels, 2)
			require.Equal(
				ChannelSpec{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1_048_576},
				topology.HRMPChannels[0],
			)
			require.Equal(
				ChannelSpec{Sender: 2000, Recipient: 1000, MaxCapacity: 8, MaxMessageSize: 1_048_576},
				topology.HRMPChannels[1],
			)

			require.Equal(4, topology.NodeCount())
		})
	}
}

func TestLoadTopologyRejectsInvalid(t *testing.T) {
	require := require.New(t)

	topology := newValidTopology()
	topology.Parachains[0].Collators[0].RPCPort = 7100
	bytes, err := DefaultJSONMarshal(topology)
	require.NoError(err)

	path := filepath.Join(t.TempDir(), "topology.json")
	require.NoError(os.WriteFile(path, bytes, perms.ReadWrite))

	_, err = LoadTopology(path)
	require.ErrorIs(err, ErrInvalidTopology)
	require.ErrorIs(err, ErrDuplicatePort)
}

func TestLoadTopologyUnsupportedExtension(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "topology.ini")
	require.NoError(os.WriteFile(path, []byte("[relaychain]"), perms.ReadWrite))

	_, err := LoadTopology(path)
	require.Error(err)
}
