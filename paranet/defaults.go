// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import "time"

const (
	// DefaultNetworkTimeout bounds full-network operations (launch, stop).
	DefaultNetworkTimeout = 2 * time.Minute

	// DefaultNodeReadyTimeout bounds the wait for a single node's RPC
	// endpoint to start answering liveness queries.
	DefaultNodeReadyTimeout = 60 * time.Second

	// DefaultNodeStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultNodeStopTimeout = 10 * time.Second

	// Poll cadence for readiness and process-exit checks.
	defaultNodeTickerInterval = 50 * time.Millisecond

	// DefaultChannelPollInterval and DefaultChannelPollAttempts bound the
	// wait for a requested channel to be reported accepted on-chain.
	DefaultChannelPollInterval = 500 * time.Millisecond
	DefaultChannelPollAttempts = 20

	// DefaultBasePort is where allocation of undeclared node ports begins.
	// The window bounds the upward scan before allocation is abandoned.
	DefaultBasePort   = 30000
	DefaultPortWindow = 1000

	defaultConfigFilename = "config.json"
)
