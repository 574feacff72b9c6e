// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/paranet/utils/logging"
	"github.com/ava-labs/paranet/utils/perms"
)

const (
	collectorTickerInterval = 100 * time.Millisecond

	// Prometheus configuration
	prometheusCmd            = "prometheus"
	defaultPrometheusURL     = "https://prometheus-poc.avax-dev.network"
	prometheusScrapeInterval = 10 * time.Second
	prometheusListenAddress  = "127.0.0.1:9090"
	prometheusReadinessURL   = "http://" + prometheusListenAddress + "/-/ready"

	// Promtail configuration
	promtailCmd          = "promtail"
	defaultLokiURL       = "https://loki-poc.avax-dev.network"
	promtailHTTPPort     = "3101"
	promtailReadinessURL = "http://127.0.0.1:" + promtailHTTPPort + "/ready"
)

// StartCollectors ensures both collectors are running to collect metrics and
// logs from local nodes.
func StartCollectors(ctx context.Context, log logging.Logger) error {
	if err := StartPrometheus(ctx, log); err != nil {
		return err
	}
	return StartPromtail(ctx, log)
}

// StopCollectors ensures both collectors are stopped. Every collector is
// attempted regardless of earlier failures.
func StopCollectors(ctx context.Context, log logging.Logger) error {
	return errors.Join(
		stopCollector(ctx, log, prometheusCmd),
		stopCollector(ctx, log, promtailCmd),
	)
}

// StartPrometheus ensures prometheus is running to collect metrics from local nodes.
func StartPrometheus(ctx context.Context, log logging.Logger) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("unable to start prometheus with a context without a deadline")
	}
	if err := startPrometheus(ctx, log); err != nil {
		return err
	}
	if err := waitForReadiness(ctx, log, prometheusCmd, prometheusReadinessURL); err != nil {
		return err
	}
	log.Info("To stop: paranetctl stop-collectors")
	return nil
}

// StartPromtail ensures promtail is running to collect logs from local nodes.
func StartPromtail(ctx context.Context, log logging.Logger) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("unable to start promtail with a context without a deadline")
	}
	if err := startPromtail(ctx, log); err != nil {
		return err
	}
	log.Info("skipping promtail readiness check until one or more nodes have written their service discovery configuration")
	log.Info("To stop: paranetctl stop-collectors")
	return nil
}

// WaitForPromtailReadiness waits until promtail is ready. It can only succeed
// after one or more nodes have written their service discovery configuration.
func WaitForPromtailReadiness(ctx context.Context, log logging.Logger) error {
	return waitForReadiness(ctx, log, promtailCmd, promtailReadinessURL)
}

// stopCollector stops the collector process if it is running.
func stopCollector(ctx context.Context, log logging.Logger, cmdName string) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("unable to stop collectors with a context without a deadline")
	}

	// Determine if the process is running
	workingDir, err := getCollectorWorkingDir(cmdName)
	if err != nil {
		return err
	}
	pidPath := getCollectorPIDPath(workingDir)
	proc, err := processFromPIDFile(cmdName, pidPath)
	if err != nil {
		return err
	}
	if proc == nil {
		log.Info("collector not running",
			zap.String("cmd", cmdName),
		)
		return nil
	}

	log.Info("sending SIGTERM to collector process",
		zap.String("cmd", cmdName),
		zap.Int("pid", proc.Pid),
	)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to pid %d: %w", proc.Pid, err)
	}

	log.Info("waiting for collector process to stop",
		zap.String("cmd", cmdName),
		zap.Int("pid", proc.Pid),
	)
	err = pollUntilContextCancel(
		ctx,
		collectorTickerInterval,
		func(_ context.Context) (bool, error) {
			p, err := getProcess(proc.Pid)
			if err != nil {
				return false, fmt.Errorf("failed to retrieve process: %w", err)
			}
			if p == nil {
				// Process is no longer running

				// Attempt to clear the PID file. Not critical that it is removed, just good housekeeping.
				if err := clearStalePIDFile(log, cmdName, pidPath); err != nil {
					log.Warn("failed to remove stale PID file",
						zap.String("cmd", cmdName),
						zap.String("pidFile", pidPath),
						zap.Error(err),
					)
				}
			}
			return p == nil, nil
		},
	)
	if err != nil {
		return err
	}
	log.Info("collector stopped",
		zap.String("cmd", cmdName),
	)

	return nil
}

// startPrometheus ensures an agent-mode prometheus process is running to collect metrics from local nodes.
func startPrometheus(ctx context.Context, log logging.Logger) error {
	cmdName := prometheusCmd

	args := fmt.Sprintf(
		"--config.file=%s.yaml --web.listen-address=%s --agent --storage.agent.path=./data",
		cmdName,
		prometheusListenAddress,
	)

	username, password, err := getCollectorCredentials(cmdName)
	if err != nil {
		return err
	}

	serviceDiscoveryDir, err := getServiceDiscoveryDir(cmdName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(serviceDiscoveryDir, perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create service discovery dir: %w", err)
	}

	config := fmt.Sprintf(`
global:
  scrape_interval: %v     # Default is every 1 minute.
  evaluation_interval: 10s # The default is every 1 minute.
  scrape_timeout: 5s       # The default is every 10s

scrape_configs:
  - job_name: "paranet"
    metrics_path: "/metrics"
    file_sd_configs:
      - files:
          - '%s/*.json'

remote_write:
  - url: "%s/api/v1/write"
    basic_auth:
      username: "%s"
      password: "%s"
`, prometheusScrapeInterval, serviceDiscoveryDir, getPrometheusURL(), username, password)

	return startCollector(ctx, log, cmdName, args, config)
}

// startPromtail ensures a promtail process is running to collect logs from local nodes.
func startPromtail(ctx context.Context, log logging.Logger) error {
	cmdName := promtailCmd

	args := fmt.Sprintf("-config.file=%s.yaml", cmdName)

	username, password, err := getCollectorCredentials(cmdName)
	if err != nil {
		return err
	}

	workingDir, err := getCollectorWorkingDir(cmdName)
	if err != nil {
		return err
	}

	serviceDiscoveryDir, err := getServiceDiscoveryDir(cmdName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(serviceDiscoveryDir, perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create service discovery dir: %w", err)
	}

	config := fmt.Sprintf(`
server:
  http_listen_port: %s
  grpc_listen_port: 0

positions:
  filename: %s/positions.yaml

client:
  url: "%s/api/prom/push"
  basic_auth:
    username: "%s"
    password: "%s"

scrape_configs:
  - job_name: "paranet"
    file_sd_configs:
      - files:
          - '%s/*.json'
`, promtailHTTPPort, workingDir, getLokiURL(), username, password, serviceDiscoveryDir)

	return startCollector(ctx, log, cmdName, args, config)
}

func getCollectorWorkingDir(cmdName string) (string, error) {
	paranetDir, err := getParanetPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(paranetDir, cmdName), nil
}

// GetPrometheusServiceDiscoveryDir returns the path for prometheus file-based
// service discovery configuration.
func GetPrometheusServiceDiscoveryDir() (string, error) {
	return getServiceDiscoveryDir(prometheusCmd)
}

func getServiceDiscoveryDir(cmdName string) (string, error) {
	paranetDir, err := getParanetPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(paranetDir, cmdName, "file_sd_configs"), nil
}

// SDConfig represents a Prometheus service discovery config entry.
//
// file_sd_config docs: https://prometheus.io/docs/prometheus/latest/configuration/configuration/#file_sd_config
type SDConfig struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// WritePrometheusSDConfig writes the SDConfig with the provided name to the
// location watched by the prometheus instance started by paranet.
//
// If withGitHubLabels is true, checks env vars for GitHub-specific labels
// and adds them as labels if present before writing the SDConfig.
//
// Returns the path to the written configuration file.
func WritePrometheusSDConfig(name string, sdConfig SDConfig, withGitHubLabels bool) (string, error) {
	if withGitHubLabels {
		sdConfig = applyGitHubLabels(sdConfig)
	}
	return writeSDConfig(prometheusCmd, name, sdConfig)
}

func writeSDConfig(cmdName string, name string, sdConfig SDConfig) (string, error) {
	serviceDiscoveryDir, err := getServiceDiscoveryDir(cmdName)
	if err != nil {
		return "", fmt.Errorf("failed to get service discovery dir: %w", err)
	}

	if err := os.MkdirAll(serviceDiscoveryDir, perms.ReadWriteExecute); err != nil {
		return "", fmt.Errorf("failed to create service discovery dir: %w", err)
	}

	configPath := filepath.Join(serviceDiscoveryDir, name+".json")
	configData, err := DefaultJSONMarshal([]SDConfig{sdConfig})
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, configData, perms.ReadWrite); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return configPath, nil
}

// GetGitHubLabels returns the GitHub-specific labels discoverable from the
// environment, for grouping collected data by CI run.
func GetGitHubLabels() map[string]string {
	labels := map[string]string{}
	for _, envName := range []string{
		"GH_REPO",
		"GH_WORKFLOW",
		"GH_RUN_ID",
		"GH_RUN_NUMBER",
		"GH_RUN_ATTEMPT",
		"GH_JOB_ID",
	} {
		value := os.Getenv(envName)
		if len(value) > 0 {
			labels[strings.ToLower(envName)] = value
		}
	}
	return labels
}

func applyGitHubLabels(sdConfig SDConfig) SDConfig {
	for label, value := range GetGitHubLabels() {
		sdConfig.Labels[label] = value
	}
	return sdConfig
}

// writeMonitoringConfigs writes service discovery configuration for every
// node of the network so that running collectors pick up its metrics and
// logs.
func (n *Network) writeMonitoringConfigs() error {
	for _, node := range n.Nodes {
		// Node names are only unique within their chain.
		name := fmt.Sprintf("%s-%s", n.UUID, node.Name)
		if node.IsCollator() {
			name = fmt.Sprintf("%s-%d-%s", n.UUID, node.ParaID, node.Name)
		}
		labels := n.getMonitoringLabels(node)

		if _, err := WritePrometheusSDConfig(name, SDConfig{
			Targets: []string{fmt.Sprintf("127.0.0.1:%d", node.Ports.RPC)},
			Labels:  labels,
		}, true /* withGitHubLabels */); err != nil {
			return err
		}

		logLabels := n.getMonitoringLabels(node)
		logLabels["__path__"] = node.LogPath()
		if _, err := writeSDConfig(promtailCmd, name, applyGitHubLabels(SDConfig{
			Targets: []string{"localhost"},
			Labels:  logLabels,
		})); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) getMonitoringLabels(node *Node) map[string]string {
	labels := map[string]string{
		"network_uuid":  n.UUID,
		"network_owner": n.Owner,
		"node":          node.Name,
		"chain":         node.Chain,
	}
	if node.IsCollator() {
		labels["para_id"] = strconv.FormatUint(uint64(node.ParaID), 10)
	}
	return labels
}

func getCollectorLogFilename(cmdName string) string {
	return cmdName + ".log"
}

func getCollectorLogPath(cmdName string) (string, error) {
	paranetDir, err := getParanetPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(paranetDir, cmdName, getCollectorLogFilename(cmdName)), nil
}

func getCollectorPIDPath(workingDir string) string {
	return filepath.Join(workingDir, "run.pid")
}

// startCollector starts a collector process if it is not already running.
func startCollector(
	ctx context.Context,
	log logging.Logger,
	cmdName string,
	args string,
	config string,
) error {
	// Determine paths
	workingDir, err := getCollectorWorkingDir(cmdName)
	if err != nil {
		return err
	}
	pidPath := getCollectorPIDPath(workingDir)

	// Ensure required paths exist
	if err := os.MkdirAll(workingDir, perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create %s dir: %w", cmdName, err)
	}
	if err := os.MkdirAll(filepath.Join(workingDir, "file_sd_configs"), perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create %s file_sd_configs dir: %w", cmdName, err)
	}

	// Check if the process is already running
	if process, err := processFromPIDFile(cmdName, pidPath); err != nil {
		return err
	} else if process != nil {
		log.Info("collector already running",
			zap.String("cmd", cmdName),
		)
		return nil
	}

	// Clear any stale pid file
	if err := clearStalePIDFile(log, cmdName, pidPath); err != nil {
		return err
	}

	// Check if the specified command is available in the path
	if _, err := exec.LookPath(cmdName); err != nil {
		return fmt.Errorf("%s command not found", cmdName)
	}

	// Write the collector config file
	confFilename := cmdName + ".yaml"
	confPath := filepath.Join(workingDir, confFilename)
	log.Info("writing collector config",
		zap.String("cmd", cmdName),
		zap.String("path", confPath),
	)
	if err := os.WriteFile(confPath, []byte(config), perms.ReadWrite); err != nil {
		return err
	}

	// Start the process
	return startCollectorProcess(ctx, log, cmdName, args, workingDir, pidPath)
}

// processFromPIDFile attempts to retrieve a running process from the specified PID file.
func processFromPIDFile(cmdName string, pidPath string) (*os.Process, error) {
	pid, err := getPID(cmdName, pidPath)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, nil
	}
	return getProcess(pid)
}

// getPID attempts to read the PID of the collector from a PID file.
func getPID(cmdName string, pidPath string) (int, error) {
	pidData, err := os.ReadFile(pidPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to read %s PID file %s: %w", cmdName, pidPath, err)
	}
	if len(pidData) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(string(pidData))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s PID: %w", cmdName, err)
	}
	return pid, nil
}

// clearStalePIDFile removes an existing pid file to avoid conflicting with a new process.
func clearStalePIDFile(log logging.Logger, cmdName string, pidPath string) error {
	if err := os.Remove(pidPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove stale pid file: %w", err)
		}
	} else {
		log.Info("deleted stale collector pid file",
			zap.String("cmd", cmdName),
			zap.String("path", pidPath),
		)
	}
	return nil
}

func getPrometheusURL() string {
	return GetEnvWithDefault("PROMETHEUS_URL", defaultPrometheusURL)
}

func getLokiURL() string {
	return GetEnvWithDefault("LOKI_URL", defaultLokiURL)
}

// getCollectorCredentials retrieves the username and password for the command.
func getCollectorCredentials(cmdName string) (string, string, error) {
	var baseEnvName string
	switch cmdName {
	case prometheusCmd:
		baseEnvName = "PROMETHEUS"
	case promtailCmd:
		baseEnvName = "LOKI"
	default:
		return "", "", fmt.Errorf("unsupported cmd: %s", cmdName)
	}

	usernameEnvVar := baseEnvName + "_USERNAME"
	username := GetEnvWithDefault(usernameEnvVar, "")
	if len(username) == 0 {
		return "", "", fmt.Errorf("%s env var not set", usernameEnvVar)
	}
	passwordEnvVar := baseEnvName + "_PASSWORD"
	password := GetEnvWithDefault(passwordEnvVar, "")
	if len(password) == 0 {
		return "", "", fmt.Errorf("%s var not set", passwordEnvVar)
	}
	return username, password, nil
}

// Start a collector process. Use bash to execute the command in the background and enable
// stderr and stdout redirection to a log file.
//
// Ideally this would be possible without bash, but it does not seem possible to
// have this process open a log file, set cmd.Stdout cmd.Stderr to that file, and
// then have the child process be able to write to that file once the parent
// process exits. Attempting to do so resulted in an empty log file.
func startCollectorProcess(
	ctx context.Context,
	log logging.Logger,
	cmdName string,
	args string,
	workingDir string,
	pidPath string,
) error {
	logFilename := getCollectorLogFilename(cmdName)
	fullCmd := "nohup " + cmdName + " " + args + " > " + logFilename + " 2>&1 & echo -n \"$!\" > " + pidPath
	log.Info("starting collector",
		zap.String("cmd", cmdName),
		zap.String("workingDir", workingDir),
		zap.String("fullCmd", fullCmd),
		zap.String("logPath", filepath.Join(workingDir, logFilename)),
	)

	cmd := exec.Command("bash", "-c", fullCmd)
	configureDetachedProcess(cmd) // Ensure the child process will outlive its parent
	cmd.Dir = workingDir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmdName, err)
	}

	// Wait for PID file
	var pid int
	err := pollUntilContextCancel(
		ctx,
		collectorTickerInterval,
		func(_ context.Context) (bool, error) {
			var err error
			pid, err = getPID(cmdName, pidPath)
			if err != nil {
				log.Warn("failed to read PID file",
					zap.String("cmd", cmdName),
					zap.String("pidPath", pidPath),
					zap.Error(err),
				)
			}
			return pid != 0, nil
		},
	)
	if err != nil {
		return err
	}
	log.Info("started collector",
		zap.String("cmd", cmdName),
		zap.Int("pid", pid),
	)

	// Wait for non-empty log file. An empty log file should only occur if the command
	// invocation is not correctly redirecting stderr and stdout to the expected file.
	logPath := filepath.Join(workingDir, logFilename)
	err = pollUntilContextCancel(
		ctx,
		collectorTickerInterval,
		func(_ context.Context) (bool, error) {
			logData, err := os.ReadFile(logPath)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return false, fmt.Errorf("failed to read log file %s for %s: %w", logPath, cmdName, err)
			}
			return len(logData) != 0, nil
		},
	)
	if err != nil {
		return fmt.Errorf("empty log file %s for %s indicates misconfiguration: %w", logPath, cmdName, err)
	}

	return nil
}

// checkReadiness retrieves the provided URL and indicates whether it returned 200
func checkReadiness(ctx context.Context, url string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode == http.StatusOK, string(body), nil
}

// waitForReadiness waits until the given readiness URL returns 200
func waitForReadiness(ctx context.Context, log logging.Logger, cmdName string, readinessURL string) error {
	logPath, err := getCollectorLogPath(cmdName)
	if err != nil {
		return err
	}
	log.Info("waiting for collector readiness",
		zap.String("cmd", cmdName),
		zap.String("url", readinessURL),
		zap.String("logPath", logPath),
	)
	err = pollUntilContextCancel(
		ctx,
		collectorTickerInterval,
		func(_ context.Context) (bool, error) {
			ready, body, err := checkReadiness(ctx, readinessURL)
			if err == nil {
				return ready, nil
			}
			log.Warn("failed to check readiness",
				zap.String("cmd", cmdName),
				zap.String("url", readinessURL),
				zap.String("body", body),
				zap.Error(err),
			)
			return false, nil
		},
	)
	if err != nil {
		return err
	}
	log.Info("collector ready",
		zap.String("cmd", cmdName),
	)
	return nil
}
