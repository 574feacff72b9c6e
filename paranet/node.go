// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/paranet/utils/logging"
)

// NodeState is the lifecycle state of one supervised node process.
type NodeState string

const (
	StateCreated       NodeState = "created"
	StateStarting      NodeState = "starting"
	StateReady         NodeState = "ready"
	StateRunning       NodeState = "running"
	StateStopping      NodeState = "stopping"
	StateStopped       NodeState = "stopped"
	StateCrashed       NodeState = "crashed"
	StateFailedToStart NodeState = "failed to start"
)

// StateChangeFunc observes node state transitions. Crash transitions arrive
// on the crash watcher's goroutine, asynchronously to whatever the caller is
// doing at the time.
type StateChangeFunc func(node *Node, from NodeState, to NodeState, err error)

var ErrProcessCrashed = errors.New("node process exited unexpectedly")

// Flag names injected into every node invocation.
const (
	chainFlagKey         = "chain"
	nameFlagKey          = "name"
	basePathFlagKey      = "base-path"
	portFlagKey          = "port"
	rpcPortFlagKey       = "rpc-port"
	wsPortFlagKey        = "ws-port"
	validatorFlagKey     = "validator"
	relayChainRPCFlagKey = "relay-chain-rpc-url"
)

// Node pairs a declared node spec with its resolved runtime configuration
// and the lifecycle of its OS process. Instances are created by the network
// launcher and owned by it for the life of the network.
type Node struct {
	Name      string   `json:"name"`
	Chain     string   `json:"chain,omitempty"`
	ParaID    uint32   `json:"paraId,omitempty"`
	Validator bool     `json:"validator,omitempty"`
	Cumulus   bool     `json:"cumulusBased,omitempty"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`

	Ports   ResolvedPorts `json:"ports"`
	DataDir string        `json:"dataDir"`

	// RelayWSEndpoint is injected into cumulus-based collators so they can
	// follow the relay chain without embedding a relay node.
	RelayWSEndpoint string `json:"relayWsEndpoint,omitempty"`

	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration `json:"-"`

	onStateChange StateChangeFunc

	lock     sync.RWMutex
	state    NodeState
	stateErr error
	proc     *nodeProcess
	stopTime time.Time
}

// IsCollator reports whether the node belongs to a parachain.
func (n *Node) IsCollator() bool {
	return n.ParaID > 0
}

// RPCURI is the node's HTTP JSON-RPC endpoint.
func (n *Node) RPCURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d", n.Ports.RPC)
}

// WSURI is the node's WebSocket JSON-RPC endpoint.
func (n *Node) WSURI() string {
	return fmt.Sprintf("ws://127.0.0.1:%d", n.Ports.WS)
}

// LogPath is where the node process's stdout and stderr are written.
func (n *Node) LogPath() string {
	return filepath.Join(n.DataDir, n.Name+".log")
}

func (n *Node) pidPath() string {
	return filepath.Join(n.DataDir, "process.pid")
}

// SetStateChangeFunc registers the observer for subsequent transitions.
func (n *Node) SetStateChangeFunc(callback StateChangeFunc) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.onStateChange = callback
}

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.state
}

// Err returns the error associated with the node's current state, e.g. the
// crash cause for a node in StateCrashed.
func (n *Node) Err() error {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.stateErr
}

// setState transitions unconditionally and notifies the observer.
func (n *Node) setState(to NodeState, err error) {
	n.lock.Lock()
	from := n.state
	n.state = to
	n.stateErr = err
	callback := n.onStateChange
	n.lock.Unlock()

	if callback != nil && from != to {
		callback(n, from, to, err)
	}
}

// compareAndSetState transitions to [to] only if the current state is one of
// [allowed], and reports whether the transition happened.
func (n *Node) compareAndSetState(allowed []NodeState, to NodeState, err error) bool {
	n.lock.Lock()
	from := n.state
	if !slices.Contains(allowed, from) {
		n.lock.Unlock()
		return false
	}
	n.state = to
	n.stateErr = err
	callback := n.onStateChange
	n.lock.Unlock()

	if callback != nil && from != to {
		callback(n, from, to, err)
	}
	return true
}

// composeArgs derives the node's full command line: the declared args first,
// then the injected network flags. The injected flags carry the resolved
// ports, so under last-one-wins parsing they take precedence over any
// declared duplicates.
func (n *Node) composeArgs() ([]string, error) {
	flags := FlagsMap{
		nameFlagKey:     n.Name,
		basePathFlagKey: n.DataDir,
		portFlagKey:     n.Ports.P2P,
		rpcPortFlagKey:  n.Ports.RPC,
		wsPortFlagKey:   n.Ports.WS,
	}
	if len(n.Chain) > 0 {
		flags[chainFlagKey] = n.Chain
	}
	if n.Validator {
		flags[validatorFlagKey] = true
	}
	if n.Cumulus && len(n.RelayWSEndpoint) > 0 {
		flags[relayChainRPCFlagKey] = n.RelayWSEndpoint
	}

	injected, err := flags.ToArgs()
	if err != nil {
		return nil, fmt.Errorf("failed to compose args for node %q: %w", n.Name, err)
	}
	return append(slices.Clone(n.Args), injected...), nil
}

// WaitForReady polls the node's RPC endpoint until it answers a liveness
// query. On success the node transitions through StateReady to StateRunning;
// on timeout it transitions to StateFailedToStart. A deadline on the context
// is required to avoid an unbounded wait.
func (n *Node) WaitForReady(ctx context.Context, log logging.Logger) error {
	if _, ok := ctx.Deadline(); !ok {
		return fmt.Errorf("`WaitForReady` requires a context with a deadline")
	}

	client := NewNodeClient(n.RPCURI())
	ticker := time.NewTicker(defaultNodeTickerInterval)
	defer ticker.Stop()

	for {
		switch state := n.State(); state {
		case StateStarting:
			// Keep polling.
		case StateFailedToStart, StateCrashed, StateStopped, StateStopping:
			return fmt.Errorf("node %q entered state %q while waiting for readiness: %w", n.Name, state, n.Err())
		case StateReady, StateRunning:
			return nil
		default:
			return fmt.Errorf("node %q is not starting (state %q)", n.Name, state)
		}

		if _, err := client.Health(ctx); err == nil {
			n.compareAndSetState([]NodeState{StateStarting}, StateReady, nil)
			n.compareAndSetState([]NodeState{StateReady}, StateRunning, nil)
			return nil
		} else {
			log.Verbo("node not yet ready",
				zap.String("node", n.Name),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			err := fmt.Errorf("node %q not ready before deadline: %w", n.Name, ctx.Err())
			n.compareAndSetState([]NodeState{StateStarting}, StateFailedToStart, err)
			return err
		case <-ticker.C:
		}
	}
}

// IsHealthy reports whether the node's RPC endpoint currently answers a
// liveness query.
func (n *Node) IsHealthy(ctx context.Context) (bool, error) {
	_, err := NewNodeClient(n.RPCURI()).Health(ctx)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Stop terminates the node gracefully, escalating to SIGKILL after the grace
// period. Stopping an already stopped node is a no-op.
func (n *Node) Stop(ctx context.Context) error {
	if err := n.InitiateStop(); err != nil {
		return err
	}
	return n.WaitForStopped(ctx)
}
