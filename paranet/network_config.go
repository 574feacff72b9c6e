// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ava-labs/paranet/utils/perms"
)

// The methods in this file define how a network is persisted to and loaded
// from its network directory. The orchestration methods live in network.go.

var errMissingNetworkDir = errors.New("failed to write network: missing network directory")

func (n *Network) getConfigPath() string {
	return filepath.Join(n.Dir, defaultConfigFilename)
}

// Read loads the network's configuration from its directory and initializes
// node state by probing the liveness of each node's recorded process.
func (n *Network) Read() error {
	bytes, err := os.ReadFile(n.getConfigPath())
	if err != nil {
		return fmt.Errorf("failed to read network config: %w", err)
	}
	if err := json.Unmarshal(bytes, n); err != nil {
		return fmt.Errorf("failed to unmarshal network config: %w", err)
	}
	n.EnsureDefaults()
	for _, node := range n.Nodes {
		node.StopTimeout = n.StopTimeout
		if err := node.readState(); err != nil {
			return err
		}
	}
	return nil
}

// Write persists the network's configuration and env file to its directory.
func (n *Network) Write() error {
	if len(n.Dir) == 0 {
		return errMissingNetworkDir
	}
	bytes, err := DefaultJSONMarshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal network config: %w", err)
	}
	if err := os.WriteFile(n.getConfigPath(), bytes, perms.ReadWrite); err != nil {
		return fmt.Errorf("failed to write network config: %w", err)
	}
	return n.writeEnvFile()
}

// EnvFilePath is the location of a shell-sourceable file that targets this
// network.
func (n *Network) EnvFilePath() string {
	return filepath.Join(n.Dir, "network.env")
}

// EnvFileContents configures a shell to target this network by default.
func (n *Network) EnvFileContents() string {
	return fmt.Sprintf("export %s=%s", NetworkDirEnvName, n.Dir)
}

func (n *Network) writeEnvFile() error {
	if err := os.WriteFile(n.EnvFilePath(), []byte(n.EnvFileContents()+"\n"), perms.ReadWrite); err != nil {
		return fmt.Errorf("failed to write network env file: %w", err)
	}
	return nil
}
