// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingWriterConfig bounds the size and retention of a rotating log file.
// Zero values defer to lumberjack's defaults.
type RotatingWriterConfig struct {
	MaxSize   int    `json:"maxSize"`  // in megabytes
	MaxFiles  int    `json:"maxFiles"` // number of rotated files to retain
	MaxAge    int    `json:"maxAge"`   // in days
	Directory string `json:"directory"`
	Compress  bool   `json:"compress"`
}

// NewFileCore returns a core writing to a rotating log file named [name].log
// under the configured directory.
func NewFileCore(level Level, format Format, config RotatingWriterConfig, name string) WrappedCore {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(config.Directory, name+".log"),
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxFiles,
		Compress:   config.Compress,
	}
	return NewWrappedCore(level, writer, format.FileEncoder())
}
