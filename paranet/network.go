// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/paranet/utils/logging"
	"github.com/ava-labs/paranet/utils/perms"
)

// The Network type is defined in this file (orchestration) and
// network_config.go (reading/writing configuration).

const (
	// Constants defining the names of shell variables whose value can
	// configure network orchestration.
	NetworkDirEnvName = "PARANET_NETWORK_DIR"
	RootDirEnvName    = "PARANET_ROOT_DIR"
)

var (
	// ErrRelayChainStartup aborts the whole launch: no parachain is ever
	// started without a healthy relay chain.
	ErrRelayChainStartup = errors.New("relay chain startup failed")

	// ErrNetworkDegraded reports a launch that completed with one or more
	// parachain or channel failures. The relay chain and the surviving
	// parachains are left running for the caller to inspect or tear down.
	ErrNetworkDegraded = errors.New("network launched in a degraded state")
)

// ParachainError scopes a startup failure to a single parachain.
type ParachainError struct {
	ParaID uint32
	Err    error
}

func (e *ParachainError) Error() string {
	return fmt.Sprintf("parachain %d failed to start: %s", e.ParaID, e.Err)
}

func (e *ParachainError) Unwrap() error {
	return e.Err
}

// Network collects the configuration and runtime state of a temporary
// multi-chain network. It is created by a launch and destroyed by teardown;
// between the two it is the sole owner of its nodes.
type Network struct {
	// Uniquely identifies the network for collector labeling. Multiple
	// networks may share an owner, so the owner alone is not sufficient.
	UUID string

	// A string identifying the entity that started or maintains this
	// network. Useful for differentiating between networks when a given CI
	// job uses multiple networks.
	Owner string

	// Path where network configuration and data is stored. Derived from
	// the location of the configuration file rather than persisted in it.
	Dir string `json:"-"`

	// The declared shape of the network. Immutable after validation.
	Topology *Topology

	// Port allocation configuration. Zero values select the defaults.
	BasePort   uint16
	PortWindow uint16

	// Per-operation timeouts. Zero values select the defaults.
	ReadyTimeout        time.Duration `json:"-"`
	StopTimeout         time.Duration `json:"-"`
	ChannelPollInterval time.Duration `json:"-"`
	ChannelPollAttempts uint          `json:"-"`

	// Nodes in start order: relay chain validators first, then each
	// parachain's collators in declaration order.
	Nodes []*Node

	// Outcome of channel registration, one record per declared channel.
	Channels []ChannelRecord

	// OnStateChange, if set, observes every node state transition. Crash
	// transitions arrive asynchronously.
	OnStateChange StateChangeFunc `json:"-"`

	// NewChannelAdmin dials the relay chain's channel administration
	// endpoint. Defaults to a WebSocket JSON-RPC client.
	NewChannelAdmin func(ctx context.Context, endpoint string) (ChannelAdmin, error) `json:"-"`
}

// NewNetwork returns an unlaunched network for the given topology.
func NewNetwork(owner string, topology *Topology) *Network {
	return &Network{
		Owner:    owner,
		Topology: topology,
	}
}

// LaunchNetwork validates, creates and launches a network under rootDir,
// tearing down anything it started if the launch fails fatally.
func LaunchNetwork(ctx context.Context, log logging.Logger, network *Network, rootDir string) error {
	network.EnsureDefaults()
	if err := network.Create(rootDir); err != nil {
		return err
	}
	return network.Launch(ctx, log)
}

// StopNetwork stops the nodes of the network configured in the provided
// directory.
func StopNetwork(ctx context.Context, dir string) error {
	network, err := ReadNetwork(dir)
	if err != nil {
		return err
	}
	return network.Stop(ctx)
}

// RestartNetwork restarts the network configured in the provided directory.
func RestartNetwork(ctx context.Context, log logging.Logger, dir string) error {
	network, err := ReadNetwork(dir)
	if err != nil {
		return err
	}
	return network.Restart(ctx, log)
}

// ReadNetwork loads a network from the provided directory and probes the
// liveness of its recorded processes.
func ReadNetwork(dir string) (*Network, error) {
	canonicalDir, err := toCanonicalDir(dir)
	if err != nil {
		return nil, err
	}
	network := &Network{
		Dir: canonicalDir,
	}
	if err := network.Read(); err != nil {
		return nil, fmt.Errorf("failed to read network: %w", err)
	}
	return network, nil
}

// EnsureDefaults fills in anything the caller left unset.
func (n *Network) EnsureDefaults() {
	if len(n.UUID) == 0 {
		n.UUID = uuid.NewString()
	}
	if n.BasePort == 0 {
		n.BasePort = DefaultBasePort
	}
	if n.PortWindow == 0 {
		n.PortWindow = DefaultPortWindow
	}
	if n.ReadyTimeout <= 0 {
		n.ReadyTimeout = DefaultNodeReadyTimeout
	}
	if n.StopTimeout <= 0 {
		n.StopTimeout = DefaultNodeStopTimeout
	}
	if n.ChannelPollInterval <= 0 {
		n.ChannelPollInterval = DefaultChannelPollInterval
	}
	if n.ChannelPollAttempts == 0 {
		n.ChannelPollAttempts = DefaultChannelPollAttempts
	}
	if n.NewChannelAdmin == nil {
		n.NewChannelAdmin = DialChannelAdmin
	}
}

// Create validates the topology, resolves ports, derives the network's nodes
// and persists everything to a new network directory under rootDir.
func (n *Network) Create(rootDir string) error {
	if n.Topology == nil {
		return fmt.Errorf("%w: no topology provided", ErrInvalidTopology)
	}
	// Nothing may be started, or even laid out on disk, for an invalid
	// topology.
	if err := n.Topology.Validate(); err != nil {
		return err
	}

	if len(rootDir) == 0 {
		var err error
		rootDir, err = getDefaultRootNetworkDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(rootDir, perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create root network dir: %w", err)
	}

	// A time-based name ensures consistent directory ordering.
	dirName := time.Now().Format("20060102-150405.999999")
	if len(n.Owner) > 0 {
		// Include the owner to differentiate networks created at similar times.
		dirName = fmt.Sprintf("%s-%s", dirName, n.Owner)
	}
	networkDir := filepath.Join(rootDir, dirName)
	if err := os.MkdirAll(networkDir, perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create network dir: %w", err)
	}
	canonicalDir, err := toCanonicalDir(networkDir)
	if err != nil {
		return err
	}
	n.Dir = canonicalDir

	if err := n.ensureNodes(); err != nil {
		return err
	}

	// Ensure configuration on disk is current.
	return n.Write()
}

// ensureNodes derives the runtime nodes from the topology with fully
// resolved ports. Idempotent so that a restarted network keeps its original
// port assignments.
func (n *Network) ensureNodes() error {
	if len(n.Nodes) > 0 {
		return nil
	}

	allocator := NewPortAllocator(n.Topology, n.BasePort, n.PortWindow)

	// Relay chain validators resolve first so that the relay endpoint is
	// known before any collator is derived.
	relay := n.Topology.RelayChain
	for _, spec := range relay.Nodes {
		node, err := n.newNode(spec, relay.Chain, relay.DefaultCommand, relay.DefaultArgs, allocator)
		if err != nil {
			return err
		}
		n.Nodes = append(n.Nodes, node)
	}
	relayEndpoint := n.RelayWSEndpoint()

	for _, para := range n.Topology.Parachains {
		for _, spec := range para.Collators {
			node, err := n.newNode(spec, para.Chain, para.DefaultCommand, para.DefaultArgs, allocator)
			if err != nil {
				return err
			}
			node.ParaID = para.ID
			node.Cumulus = para.IsCumulusBased()
			if node.Cumulus {
				node.RelayWSEndpoint = relayEndpoint
			}
			// Node names are only unique within their chain, so collator
			// data dirs are namespaced by parachain id.
			node.DataDir = filepath.Join(n.Dir, fmt.Sprintf("%d-%s", para.ID, spec.Name))
			n.Nodes = append(n.Nodes, node)
		}
	}
	return nil
}

func (n *Network) newNode(spec NodeSpec, chain string, defaultCommand string, defaultArgs []string, allocator *PortAllocator) (*Node, error) {
	ports, err := allocator.Resolve(&spec)
	if err != nil {
		return nil, err
	}
	command := spec.Command
	if len(command) == 0 {
		command = defaultCommand
	}
	args := make([]string, 0, len(defaultArgs)+len(spec.Args))
	args = append(args, defaultArgs...)
	args = append(args, spec.Args...)

	return &Node{
		Name:        spec.Name,
		Chain:       chain,
		Validator:   spec.Validator,
		Command:     command,
		Args:        args,
		Ports:       ports,
		DataDir:     filepath.Join(n.Dir, spec.Name),
		StopTimeout: n.StopTimeout,
		state:       StateCreated,
	}, nil
}

// RelayWSEndpoint is the WebSocket endpoint of the first relay chain
// validator, used by cumulus-based collators and for channel administration.
func (n *Network) RelayWSEndpoint() string {
	for _, node := range n.Nodes {
		if !node.IsCollator() {
			return node.WSURI()
		}
	}
	return ""
}

// RelayNodes returns the relay chain validators in start order.
func (n *Network) RelayNodes() []*Node {
	nodes := make([]*Node, 0, len(n.Nodes))
	for _, node := range n.Nodes {
		if !node.IsCollator() {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// CollatorsFor returns the collators of the given parachain in start order.
func (n *Network) CollatorsFor(paraID uint32) []*Node {
	nodes := make([]*Node, 0, len(n.Nodes))
	for _, node := range n.Nodes {
		if node.ParaID == paraID {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Launch brings the network up in dependency order: relay chain validators
// concurrently with a shared deadline, then each parachain's collators in
// declaration order, then channel registration. A relay chain failure is
// fatal and tears down whatever started. A parachain failure degrades the
// network but does not abort its siblings; degradation is reported through
// the returned error for the caller to decide on.
func (n *Network) Launch(ctx context.Context, log logging.Logger) error {
	n.EnsureDefaults()
	if err := n.ensureNodes(); err != nil {
		return err
	}
	for _, node := range n.Nodes {
		node.SetStateChangeFunc(n.observeStateChange(log))
	}

	log.Info("launching network",
		zap.String("networkDir", n.Dir),
		zap.String("uuid", n.UUID),
		zap.Int("nodeCount", len(n.Nodes)),
	)

	// No parachain is started before every relay chain validator is ready.
	relayNodes := n.RelayNodes()
	if err := n.startGroup(ctx, log, relayNodes); err != nil {
		stopCtx, cancel := teardownContext()
		err = errors.Join(err, n.stopNodes(stopCtx, relayNodes))
		cancel()
		if ctx.Err() != nil {
			return fmt.Errorf("network launch canceled: %w", err)
		}
		return fmt.Errorf("%w: %w", ErrRelayChainStartup, err)
	}
	log.Info("relay chain is ready",
		zap.String("chain", n.Topology.RelayChain.Chain),
		zap.Int("validators", len(relayNodes)),
	)

	failed := make(map[uint32]error, len(n.Topology.Parachains))
	var launchErrs []error
	for _, para := range n.Topology.Parachains {
		collators := n.CollatorsFor(para.ID)
		err := n.startGroup(ctx, log, collators)
		if err == nil {
			log.Info("parachain is ready",
				zap.Uint32("paraID", para.ID),
				zap.Int("collators", len(collators)),
			)
			continue
		}
		// Cancellation is not a parachain failure. Tear down everything
		// started so far and report the interruption.
		if ctx.Err() != nil {
			stopCtx, cancel := teardownContext()
			err = errors.Join(err, n.Stop(stopCtx))
			cancel()
			return fmt.Errorf("network launch canceled: %w", err)
		}

		// The parachain is degraded. Stop its collators so it fails
		// consistently rather than limping with a partial collator set,
		// and continue with the remaining parachains.
		stopCtx, cancel := teardownContext()
		err = errors.Join(err, n.stopNodes(stopCtx, collators))
		cancel()
		paraErr := &ParachainError{ParaID: para.ID, Err: err}
		failed[para.ID] = paraErr
		launchErrs = append(launchErrs, paraErr)
		log.Error("parachain failed to start",
			zap.Uint32("paraID", para.ID),
			zap.Error(err),
		)
	}

	if err := n.registerChannels(ctx, log, failed); err != nil {
		if ctx.Err() != nil {
			stopCtx, cancel := teardownContext()
			err = errors.Join(err, n.Stop(stopCtx))
			cancel()
			return fmt.Errorf("network launch canceled: %w", err)
		}
		launchErrs = append(launchErrs, err)
	}

	// Surface the network's metrics and logs to any running collectors.
	if err := n.writeMonitoringConfigs(); err != nil {
		log.Warn("failed to write monitoring configuration", zap.Error(err))
	}

	// Persist resolved state, including channel outcomes, so that a later
	// invocation can reattach to the network.
	if err := n.Write(); err != nil {
		launchErrs = append(launchErrs, err)
	}

	if len(launchErrs) > 0 {
		return fmt.Errorf("%w:\n%w", ErrNetworkDegraded, errors.Join(launchErrs...))
	}
	log.Info("network is ready",
		zap.String("networkDir", n.Dir),
		zap.String("relayEndpoint", n.RelayWSEndpoint()),
	)
	return nil
}

// startGroup starts the given nodes and waits for all of them to report
// ready under a shared deadline.
func (n *Network) startGroup(ctx context.Context, log logging.Logger, nodes []*Node) error {
	ctx, cancel := context.WithTimeout(ctx, n.ReadyTimeout)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		eg.Go(func() error {
			if err := node.Start(log); err != nil {
				return err
			}
			return node.WaitForReady(egCtx, log)
		})
	}
	return eg.Wait()
}

// Stop tears the network down in reverse dependency order: every parachain
// collator first (reverse of start order), then the relay chain validators.
// Teardown attempts to stop every known node regardless of earlier failures
// and reports the aggregate outcome. Stopping an already stopped network is
// a no-op.
func (n *Network) Stop(ctx context.Context) error {
	collators := make([]*Node, 0, len(n.Nodes))
	for i := len(n.Nodes) - 1; i >= 0; i-- {
		if n.Nodes[i].IsCollator() {
			collators = append(collators, n.Nodes[i])
		}
	}
	validators := make([]*Node, 0, len(n.Nodes))
	for i := len(n.Nodes) - 1; i >= 0; i-- {
		if !n.Nodes[i].IsCollator() {
			validators = append(validators, n.Nodes[i])
		}
	}

	err := errors.Join(
		n.stopNodes(ctx, collators),
		n.stopNodes(ctx, validators),
	)
	if err != nil {
		return fmt.Errorf("failed to stop network:\n%w", err)
	}
	return nil
}

// stopNodes stops the given nodes, initiating every stop before waiting on
// any of them so that the grace periods overlap.
func (n *Network) stopNodes(ctx context.Context, nodes []*Node) error {
	var errs []error
	for _, node := range nodes {
		if err := node.InitiateStop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop node %q: %w", node.Name, err))
		}
	}
	for _, node := range nodes {
		if err := node.WaitForStopped(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to wait for node %q to stop: %w", node.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Restart stops every node and launches the network again with its original
// port assignments.
func (n *Network) Restart(ctx context.Context, log logging.Logger) error {
	log.Info("restarting network", zap.String("networkDir", n.Dir))
	if err := n.Stop(ctx); err != nil {
		return err
	}
	return n.Launch(ctx, log)
}

// observeStateChange logs every node transition and forwards it to the
// caller's observer if one is registered.
func (n *Network) observeStateChange(log logging.Logger) StateChangeFunc {
	return func(node *Node, from NodeState, to NodeState, err error) {
		switch to {
		case StateCrashed:
			log.Error("node crashed",
				zap.String("node", node.Name),
				zap.Uint32("paraID", node.ParaID),
				zap.Error(err),
			)
		case StateFailedToStart:
			log.Error("node failed to start",
				zap.String("node", node.Name),
				zap.Uint32("paraID", node.ParaID),
				zap.Error(err),
			)
		default:
			log.Debug("node state changed",
				zap.String("node", node.Name),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
			)
		}
		if n.OnStateChange != nil {
			n.OnStateChange(node, from, to, err)
		}
	}
}

// teardownContext returns a fresh context for cleanup paths whose parent
// context may already be canceled.
func teardownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DefaultNetworkTimeout)
}

// NodeStatus is the reported state of a single node.
type NodeStatus struct {
	Name    string    `json:"name"`
	ParaID  uint32    `json:"paraId,omitempty"`
	State   NodeState `json:"state"`
	Healthy bool      `json:"healthy"`
	RPCURI  string    `json:"rpcUri"`
	Error   string    `json:"error,omitempty"`
}

// NetworkStatus enumerates every node and channel outcome. A network is
// healthy only if every node is running and answering liveness queries and
// every declared channel was accepted.
type NetworkStatus struct {
	UUID     string          `json:"uuid"`
	Dir      string          `json:"dir"`
	Healthy  bool            `json:"healthy"`
	Nodes    []NodeStatus    `json:"nodes"`
	Channels []ChannelRecord `json:"channels,omitempty"`
}

// Status reports the current state of the network, probing each node's
// liveness endpoint. Nodes that crashed since the last report are included
// with their crash cause.
func (n *Network) Status(ctx context.Context) *NetworkStatus {
	status := &NetworkStatus{
		UUID:     n.UUID,
		Dir:      n.Dir,
		Healthy:  true,
		Nodes:    make([]NodeStatus, 0, len(n.Nodes)),
		Channels: n.Channels,
	}
	for _, node := range n.Nodes {
		healthy, _ := node.IsHealthy(ctx)
		nodeStatus := NodeStatus{
			Name:    node.Name,
			ParaID:  node.ParaID,
			State:   node.State(),
			Healthy: healthy,
			RPCURI:  node.RPCURI(),
		}
		if err := node.Err(); err != nil {
			nodeStatus.Error = err.Error()
		}
		if nodeStatus.State != StateRunning || !healthy {
			status.Healthy = false
		}
		status.Nodes = append(status.Nodes, nodeStatus)
	}
	for _, record := range n.Channels {
		if record.Phase != ChannelAccepted {
			status.Healthy = false
		}
	}
	return status
}

// Retrieves the root dir for paranet data.
func getParanetPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".paranet"), nil
}

// Retrieves the default root dir for storing networks and their
// configuration.
func getDefaultRootNetworkDir() (string, error) {
	paranetPath, err := getParanetPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(paranetPath, "networks"), nil
}
