// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"fmt"
	"sort"

	"github.com/spf13/cast"
)

// FlagsMap defines a mapping of flag keys to values intended to be supplied
// to an invocation of a chain node binary. Keys omit the "--" prefix.
type FlagsMap map[string]interface{}

// SetDefaults ensures the effectiveness of flag overrides by only setting
// values supplied in the defaults map that are not already explicitly set.
func (f FlagsMap) SetDefaults(defaults FlagsMap) {
	for key, value := range defaults {
		if _, ok := f[key]; !ok {
			f[key] = value
		}
	}
}

// GetStringVal simplifies retrieving a map value as a string.
func (f FlagsMap) GetStringVal(key string) (string, error) {
	rawVal, ok := f[key]
	if !ok {
		return "", nil
	}
	val, err := cast.ToStringE(rawVal)
	if err != nil {
		return "", fmt.Errorf("failed to cast value for %q: %w", key, err)
	}
	return val, nil
}

// GetUint16Val simplifies retrieving a map value as a port.
func (f FlagsMap) GetUint16Val(key string, defaultVal uint16) (uint16, error) {
	rawVal, ok := f[key]
	if !ok {
		return defaultVal, nil
	}
	val, err := cast.ToUint16E(rawVal)
	if err != nil {
		return 0, fmt.Errorf("failed to cast value for %q: %w", key, err)
	}
	return val, nil
}

// ToArgs renders the map as a command line argument list. Boolean true values
// become bare flags, boolean false values are omitted, and everything else is
// rendered as --key=value. Keys are sorted so the derived command line is
// deterministic.
func (f FlagsMap) ToArgs() ([]string, error) {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, key := range keys {
		if b, ok := f[key].(bool); ok {
			if b {
				args = append(args, "--"+key)
			}
			continue
		}
		val, err := cast.ToStringE(f[key])
		if err != nil {
			return nil, fmt.Errorf("failed to cast value for %q: %w", key, err)
		}
		args = append(args, fmt.Sprintf("--%s=%s", key, val))
	}
	return args, nil
}

// Clone returns a deep copy of the map suitable for independent mutation.
func (f FlagsMap) Clone() FlagsMap {
	clone := make(FlagsMap, len(f))
	for key, value := range f {
		clone[key] = value
	}
	return clone
}
