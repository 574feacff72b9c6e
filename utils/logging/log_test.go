// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type bufferCloser struct {
	bytes.Buffer
}

func (*bufferCloser) Close() error {
	return nil
}

func TestLogLevelFiltering(t *testing.T) {
	require := require.New(t)

	buf := &bufferCloser{}
	log := NewLogger("", NewWrappedCore(Info, buf, Plain.ConsoleEncoder()))

	log.Debug("quiet")
	require.Empty(buf.String())

	log.Info("loud", zap.String("key", "value"))
	require.Contains(buf.String(), "loud")
	require.Contains(buf.String(), "value")
}

func TestSetLevel(t *testing.T) {
	require := require.New(t)

	buf := &bufferCloser{}
	log := NewLogger("", NewWrappedCore(Info, buf, Plain.ConsoleEncoder()))

	log.SetLevel(Verbo)
	log.Verbo("whisper")
	require.Contains(buf.String(), "whisper")

	log.SetLevel(Off)
	log.Fatal("silent")
	require.NotContains(buf.String(), "silent")
}

func TestWithIncludesFields(t *testing.T) {
	require := require.New(t)

	buf := &bufferCloser{}
	log := NewLogger("", NewWrappedCore(Info, buf, JSON.ConsoleEncoder()))

	child := log.With(zap.String("node", "alice"))
	child.Info("started")

	require.Contains(buf.String(), `"node":"alice"`)
	require.Contains(buf.String(), `"level":"INFO"`)
}

func TestTeeWritesAllCores(t *testing.T) {
	require := require.New(t)

	first := &bufferCloser{}
	second := &bufferCloser{}
	log := NewLogger(
		"",
		NewWrappedCore(Info, first, Plain.ConsoleEncoder()),
		NewWrappedCore(Debug, second, Plain.ConsoleEncoder()),
	)

	log.Debug("detail")
	require.Empty(first.String())
	require.Contains(second.String(), "detail")

	log.Info("headline")
	require.Contains(first.String(), "headline")
	require.Contains(second.String(), "headline")
}

func TestLevelAlignsWithZapCore(t *testing.T) {
	require := require.New(t)

	// The enabler comparison happens in zapcore, so the Level values must
	// survive the round trip through zapcore.Level.
	for _, l := range []Level{Verbo, Debug, Trace, Info, Warn, Error, Fatal, Off} {
		require.Equal(l, Level(zapcore.Level(l)))
	}
}
