// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ava-labs/paranet/paranet"
	"github.com/ava-labs/paranet/utils/logging"
)

const (
	cliVersion = "0.1.0"

	envPrefix = "paranet"

	topologyKey            = "topology"
	ownerKey               = "owner"
	rootDirKey             = "root-dir"
	basePortKey            = "base-port"
	portWindowKey          = "port-window"
	readyTimeoutKey        = "ready-timeout"
	stopTimeoutKey         = "stop-timeout"
	channelPollIntervalKey = "channel-poll-interval"
	channelPollAttemptsKey = "channel-poll-attempts"
	configFileKey          = "config-file"
)

// GitCommit is set via ldflags at build time.
var GitCommit string

var (
	errNetworkDirRequired = fmt.Errorf("--network-dir or %s are required", paranet.NetworkDirEnvName)
	errTopologyRequired   = errors.New("--topology is required")
)

func main() {
	var (
		networkDir   string
		rawLogFormat string
	)
	rootCmd := &cobra.Command{
		Use:   "paranetctl",
		Short: "paranetctl commands",
	}
	rootCmd.PersistentFlags().StringVar(&networkDir, "network-dir", os.Getenv(paranet.NetworkDirEnvName), "The path to the configuration directory of a temporary network")
	rootCmd.PersistentFlags().StringVar(&rawLogFormat, "log-format", logging.AutoString, logging.FormatDescription)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version details",
		RunE: func(*cobra.Command, []string) error {
			msg := cliVersion
			if len(GitCommit) > 0 {
				msg += ", commit=" + GitCommit
			}
			fmt.Fprintln(os.Stdout, msg)
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)

	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a new temporary multi-chain network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.LoggerForFormat("", rawLogFormat)
			if err != nil {
				return err
			}

			v, err := buildViper(cmd.Flags())
			if err != nil {
				return err
			}
			topologyPath := v.GetString(topologyKey)
			if len(topologyPath) == 0 {
				return errTopologyRequired
			}
			topology, err := paranet.LoadTopology(topologyPath)
			if err != nil {
				return err
			}

			network := paranet.NewNetwork(v.GetString(ownerKey), topology)
			network.BasePort = v.GetUint16(basePortKey)
			network.PortWindow = v.GetUint16(portWindowKey)
			network.ReadyTimeout = v.GetDuration(readyTimeoutKey)
			network.StopTimeout = v.GetDuration(stopTimeoutKey)
			network.ChannelPollInterval = v.GetDuration(channelPollIntervalKey)
			network.ChannelPollAttempts = uint(v.GetUint(channelPollAttemptsKey))

			// An interrupt during launch triggers teardown of whatever
			// already started.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, paranet.DefaultNetworkTimeout)
			defer cancel()

			launchErr := paranet.LaunchNetwork(ctx, log, network, v.GetString(rootDirKey))
			if launchErr != nil && !errors.Is(launchErr, paranet.ErrNetworkDegraded) {
				log.Error("failed to launch network", zap.Error(launchErr))
				return launchErr
			}

			// Symlink the new network to the 'latest' network to simplify usage
			networkRootDir := filepath.Dir(network.Dir)
			networkDirName := filepath.Base(network.Dir)
			latestSymlinkPath := filepath.Join(networkRootDir, "latest")
			if err := os.Remove(latestSymlinkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.Symlink(networkDirName, latestSymlinkPath); err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, "\nConfigure paranetctl to target this network by default with one of the following statements:")
			fmt.Fprintf(os.Stdout, " - source %s\n", network.EnvFilePath())
			fmt.Fprintf(os.Stdout, " - %s\n", network.EnvFileContents())
			fmt.Fprintf(os.Stdout, " - export %s=%s\n", paranet.NetworkDirEnvName, latestSymlinkPath)

			if launchErr != nil {
				// The network is up but degraded. Itemize the failures and
				// exit non-zero so that callers can distinguish this from a
				// fully healthy launch.
				if err := printStatus(network); err != nil {
					return err
				}
				return launchErr
			}
			return nil
		},
	}
	setLaunchFlags(launchCmd.PersistentFlags())
	rootCmd.AddCommand(launchCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology file without launching anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topologyPath, err := cmd.Flags().GetString(topologyKey)
			if err != nil {
				return err
			}
			if len(topologyPath) == 0 {
				return errTopologyRequired
			}
			topology, err := paranet.LoadTopology(topologyPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s is valid: %d relay chain validators, %d parachains, %d channels\n",
				topologyPath,
				len(topology.RelayChain.Nodes),
				len(topology.Parachains),
				len(topology.HRMPChannels),
			)
			return nil
		},
	}
	validateCmd.PersistentFlags().String(topologyKey, "", "Path to the topology file (json, yaml or toml)")
	rootCmd.AddCommand(validateCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report the state of every node and channel of a network",
		RunE: func(*cobra.Command, []string) error {
			if len(networkDir) == 0 {
				return errNetworkDirRequired
			}
			network, err := paranet.ReadNetwork(networkDir)
			if err != nil {
				return err
			}
			return printStatus(network)
		},
	}
	rootCmd.AddCommand(statusCmd)

	stopNetworkCmd := &cobra.Command{
		Use:   "stop-network",
		Short: "Stop a temporary network",
		RunE: func(*cobra.Command, []string) error {
			if len(networkDir) == 0 {
				return errNetworkDirRequired
			}
			ctx, cancel := context.WithTimeout(context.Background(), paranet.DefaultNetworkTimeout)
			defer cancel()
			if err := paranet.StopNetwork(ctx, networkDir); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Stopped network configured at: %s\n", networkDir)
			return nil
		},
	}
	rootCmd.AddCommand(stopNetworkCmd)

	restartNetworkCmd := &cobra.Command{
		Use:   "restart-network",
		Short: "Restart a temporary network",
		RunE: func(*cobra.Command, []string) error {
			if len(networkDir) == 0 {
				return errNetworkDirRequired
			}
			log, err := logging.LoggerForFormat("", rawLogFormat)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), paranet.DefaultNetworkTimeout)
			defer cancel()
			return paranet.RestartNetwork(ctx, log, networkDir)
		},
	}
	rootCmd.AddCommand(restartNetworkCmd)

	startCollectorsCmd := &cobra.Command{
		Use:   "start-collectors",
		Short: "Start log and metric collectors for local process-based nodes",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), paranet.DefaultNetworkTimeout)
			defer cancel()
			log, err := logging.LoggerForFormat("", rawLogFormat)
			if err != nil {
				return err
			}
			return paranet.StartCollectors(ctx, log)
		},
	}
	rootCmd.AddCommand(startCollectorsCmd)

	stopCollectorsCmd := &cobra.Command{
		Use:   "stop-collectors",
		Short: "Stop log and metric collectors for local process-based nodes",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), paranet.DefaultNetworkTimeout)
			defer cancel()
			log, err := logging.LoggerForFormat("", rawLogFormat)
			if err != nil {
				return err
			}
			return paranet.StopCollectors(ctx, log)
		},
	}
	rootCmd.AddCommand(stopCollectorsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "paranetctl failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func setLaunchFlags(flagSet *pflag.FlagSet) {
	flagSet.String(topologyKey, "", "Path to the topology file (json, yaml or toml)")
	flagSet.String(ownerKey, "", "String identifying the intended user of the network")
	flagSet.String(rootDirKey, "", "Root directory under which network directories are created (defaults to ~/.paranet/networks)")
	flagSet.Uint16(basePortKey, paranet.DefaultBasePort, "Base port to scan upward from when deriving unassigned node ports")
	flagSet.Uint16(portWindowKey, paranet.DefaultPortWindow, "Number of ports to scan before giving up on allocation")
	flagSet.Duration(readyTimeoutKey, paranet.DefaultNodeReadyTimeout, "How long to wait for a group of nodes to report ready")
	flagSet.Duration(stopTimeoutKey, paranet.DefaultNodeStopTimeout, "Grace period between SIGTERM and SIGKILL when stopping a node")
	flagSet.Duration(channelPollIntervalKey, paranet.DefaultChannelPollInterval, "Interval between channel acceptance polls")
	flagSet.Uint(channelPollAttemptsKey, paranet.DefaultChannelPollAttempts, "Number of channel acceptance polls before giving up")
	flagSet.String(configFileKey, "", "Optional path to a file whose values override flag defaults")
}

// buildViper resolves settings with the precedence: explicit flag, env var
// with the PARANET_ prefix, config file entry, flag default.
func buildViper(flagSet *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flagSet); err != nil {
		return nil, err
	}

	if configFile := v.GetString(configFileKey); len(configFile) > 0 {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func printStatus(network *paranet.Network) error {
	ctx, cancel := context.WithTimeout(context.Background(), paranet.DefaultNetworkTimeout)
	defer cancel()
	statusBytes, err := paranet.DefaultJSONMarshal(network.Status(ctx))
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(statusBytes))
	return nil
}
