// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelRoundTrip(t *testing.T) {
	require := require.New(t)

	levels := []Level{Off, Fatal, Error, Warn, Info, Trace, Debug, Verbo}
	for _, l := range levels {
		parsed, err := ToLevel(l.String())
		require.NoError(err)
		require.Equal(l, parsed)

		b, err := json.Marshal(l)
		require.NoError(err)
		var unmarshaled Level
		require.NoError(json.Unmarshal(b, &unmarshaled))
		require.Equal(l, unmarshaled)
	}
}

func TestToLevelUnknown(t *testing.T) {
	_, err := ToLevel("chatty")
	require.Error(t, err)
}

func TestLevelOrdering(t *testing.T) {
	require := require.New(t)

	// A core enabled at a level must admit that level and everything above it.
	require.Less(Verbo, Debug)
	require.Less(Debug, Trace)
	require.Less(Trace, Info)
	require.Less(Info, Warn)
	require.Less(Warn, Error)
	require.Less(Error, Fatal)
	require.Less(Fatal, Off)
}
