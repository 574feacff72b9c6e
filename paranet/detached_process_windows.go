// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build windows

package paranet

import (
	"os/exec"
)

func configureDetachedProcess(_ *exec.Cmd) {
	panic("node deployment to windows is not supported")
}
