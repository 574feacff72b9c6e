// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Marshal to json with default prefix and indent.
func DefaultJSONMarshal(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// GetEnvWithDefault retrieves the value of an env var or the provided
// default if the var is unset or empty.
func GetEnvWithDefault(envName, defaultVal string) string {
	val := os.Getenv(envName)
	if len(val) == 0 {
		return defaultVal
	}
	return val
}

// toCanonicalDir returns the canonical form of the provided dir. Symlinks are
// resolved so that the stored path remains valid when e.g. a 'latest' link is
// repointed.
func toCanonicalDir(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(absDir)
}

// pollUntilContextCancel polls [condition] at [interval], starting
// immediately, until it succeeds, errors, or [ctx] is canceled.
func pollUntilContextCancel(ctx context.Context, interval time.Duration, condition wait.ConditionWithContextFunc) error {
	return wait.PollUntilContextCancel(ctx, interval, true /* immediate */, condition)
}
