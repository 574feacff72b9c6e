// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/paranet/utils/perms"
)

// writeFakeNode writes a shell script standing in for a node binary and
// returns its path. The script replaces itself with the given command so
// that signals sent to the recorded pid reach the long-running process.
func writeFakeNode(t *testing.T, command string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-node")
	script := "#!/usr/bin/env sh\nexec " + command + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), perms.ReadWriteExecute))
	return path
}

// newHealthListener serves liveness responses on a dynamically assigned port
// for the lifetime of the test, standing in for a node's RPC endpoint. The
// supervisor only cares that the port answers, not who owns the process.
func newHealthListener(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{Handler: http.HandlerFunc(serveHealth)}
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func serveHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Method != "system_health" {
		http.Error(w, fmt.Sprintf("unexpected method %q", req.Method), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"peers":3,"isSyncing":false,"shouldHavePeers":true}}`, req.ID)
}

// newTestTopology returns a topology with one relay chain validator and one
// single-collator parachain, every port explicit so that the test can serve
// health checks on them.
func newTestTopology(t *testing.T, command string) *Topology {
	t.Helper()
	return &Topology{
		RelayChain: RelayChainSpec{
			Chain:          "rococo-local",
			DefaultCommand: command,
			Nodes: []NodeSpec{
				{Name: "alice", Validator: true, RPCPort: newHealthListener(t), WSPort: newHealthListener(t)},
			},
		},
		Parachains: []ParachainSpec{
			{
				ID:             1000,
				Chain:          "local",
				DefaultCommand: command,
				Collators: []NodeSpec{
					{Name: "collator-a", RPCPort: newHealthListener(t), WSPort: newHealthListener(t)},
				},
			},
		},
	}
}
