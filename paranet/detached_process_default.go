// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build linux || darwin

package paranet

import (
	"os/exec"
	"syscall"
)

// configureDetachedProcess ensures the child process will outlive its parent
// by starting it in a new session.
func configureDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
