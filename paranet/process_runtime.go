// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/paranet/utils/logging"
	"github.com/ava-labs/paranet/utils/perms"
)

// nodeProcess tracks the OS process started for a node. A node restarted
// within the same network handle gets a fresh nodeProcess.
type nodeProcess struct {
	cmd *exec.Cmd
	pid int
}

// Start launches the node's process detached from the current process group
// and begins watching for unexpected exits. The process redirects its output
// to the node's log file and records its pid under the node's data dir so
// that a later invocation can reattach.
func (n *Node) Start(log logging.Logger) error {
	switch state := n.State(); state {
	case StateCreated, StateStopped:
	default:
		return fmt.Errorf("node %q cannot start from state %q", n.Name, state)
	}

	if err := os.MkdirAll(n.DataDir, perms.ReadWriteExecute); err != nil {
		return fmt.Errorf("failed to create data dir for node %q: %w", n.Name, err)
	}

	args, err := n.composeArgs()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(n.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, perms.ReadWrite)
	if err != nil {
		return fmt.Errorf("failed to open log file for node %q: %w", n.Name, err)
	}

	n.setState(StateStarting, nil)

	cmd := exec.Command(n.Command, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureDetachedProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		err = fmt.Errorf("failed to start node %q: %w", n.Name, err)
		n.setState(StateFailedToStart, err)
		return err
	}
	// The child holds its own descriptor after Start.
	_ = logFile.Close()

	pid := cmd.Process.Pid
	if err := os.WriteFile(n.pidPath(), []byte(strconv.Itoa(pid)), perms.ReadWrite); err != nil {
		return fmt.Errorf("failed to write pid file for node %q: %w", n.Name, err)
	}

	n.lock.Lock()
	n.proc = &nodeProcess{cmd: cmd, pid: pid}
	n.lock.Unlock()

	log.Info("started node",
		zap.String("node", n.Name),
		zap.Uint32("paraID", n.ParaID),
		zap.Int("pid", pid),
		zap.String("command", n.Command),
	)
	log.Debug("node invocation",
		zap.String("node", n.Name),
		zap.String("args", strings.Join(args, " ")),
	)

	go n.watchProcessExit(cmd)
	return nil
}

// watchProcessExit reaps the node's process and classifies an exit that the
// supervisor didn't ask for. An exit during StateStarting is a failed start;
// an exit from StateReady or StateRunning is a crash. Exits while stopping
// are expected and leave the stop flow to observe them.
func (n *Node) watchProcessExit(cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	crashErr := fmt.Errorf("%w: node %q exited with code %d", ErrProcessCrashed, n.Name, exitCode)
	if waitErr != nil {
		crashErr = fmt.Errorf("%w: node %q: %s", ErrProcessCrashed, n.Name, waitErr)
	}

	if n.compareAndSetState([]NodeState{StateReady, StateRunning}, StateCrashed, crashErr) {
		return
	}
	n.compareAndSetState([]NodeState{StateStarting}, StateFailedToStart, crashErr)
}

// InitiateStop sends SIGTERM to the node's process without waiting for it to
// exit. Terminal failure states keep their cause: stopping a crashed node or
// one that failed to start only reaps any process it left behind.
func (n *Node) InitiateStop() error {
	switch n.State() {
	case StateCreated, StateStopping, StateStopped:
		return nil
	}

	proc, err := n.getProcess()
	if err != nil {
		return err
	}
	if proc == nil {
		n.compareAndSetState([]NodeState{StateStarting, StateReady, StateRunning}, StateStopped, nil)
		return nil
	}

	n.lock.Lock()
	n.stopTime = time.Now()
	n.lock.Unlock()

	// Transition before signaling so the exit watcher sees a deliberate stop
	// rather than a crash.
	n.compareAndSetState([]NodeState{StateStarting, StateReady, StateRunning}, StateStopping, nil)
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal node %q: %w", n.Name, err)
	}
	return nil
}

// WaitForStopped blocks until the node's process is gone, sending SIGKILL if
// the grace period elapses first.
func (n *Node) WaitForStopped(ctx context.Context) error {
	switch n.State() {
	case StateCreated, StateStopped:
		return nil
	}

	n.lock.RLock()
	stopTime := n.stopTime
	n.lock.RUnlock()
	if stopTime.IsZero() {
		stopTime = time.Now()
	}
	stopTimeout := n.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultNodeStopTimeout
	}

	killed := false
	err := pollUntilContextCancel(ctx, defaultNodeTickerInterval, func(_ context.Context) (bool, error) {
		proc, err := n.getProcess()
		if err != nil {
			return false, err
		}
		if proc == nil {
			return true, nil
		}
		if !killed && time.Since(stopTime) > stopTimeout {
			if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return false, fmt.Errorf("failed to kill node %q: %w", n.Name, err)
			}
			killed = true
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("failed to see node %q stop: %w", n.Name, err)
	}

	n.compareAndSetState([]NodeState{StateStarting, StateReady, StateRunning, StateStopping}, StateStopped, nil)
	n.clearPIDFile()
	return nil
}

// readState initializes the state of a node loaded from disk by probing the
// liveness of its recorded process.
func (n *Node) readState() error {
	proc, err := n.getProcess()
	if err != nil {
		return err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	if proc != nil {
		n.state = StateRunning
	} else {
		n.state = StateStopped
	}
	return nil
}

// getProcess returns a handle to the node's live process, preferring the
// in-memory process over the pid file. A nil result without error means the
// process is not running.
func (n *Node) getProcess() (*os.Process, error) {
	n.lock.RLock()
	proc := n.proc
	n.lock.RUnlock()

	if proc != nil {
		return getProcess(proc.pid)
	}

	pid, err := n.readPIDFile()
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, nil
	}
	live, err := getProcess(pid)
	if err != nil {
		return nil, err
	}
	if live == nil {
		n.clearPIDFile()
	}
	return live, nil
}

func (n *Node) readPIDFile() (int, error) {
	bytes, err := os.ReadFile(n.pidPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file for node %q: %w", n.Name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse pid file for node %q: %w", n.Name, err)
	}
	return pid, nil
}

func (n *Node) clearPIDFile() {
	_ = os.Remove(n.pidPath())
}

// getProcess returns a handle to a live process with the given pid, or nil
// if no such process is running.
func getProcess(pid int) (*os.Process, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to find process: %w", err)
	}

	// A signal of 0 checks for liveness without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return proc, nil
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil, nil
	}
	return nil, fmt.Errorf("failed to determine process status: %w", err)
}
