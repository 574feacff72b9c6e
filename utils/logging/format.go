// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Format modes available
const (
	Auto Format = iota
	Plain
	Colors
	JSON

	AutoString   = "auto"
	PlainString  = "plain"
	ColorsString = "colors"
	JSONString   = "json"

	termTimeFormat    = "[01-02|15:04:05.000]"
	FormatDescription = "The structure of log format. Defaults to 'auto' which formats terminal-like logs, when the output is a terminal. Otherwise, should be one of {auto, plain, colors, json}"
)

var (
	errUnknownFormat = errors.New("unknown format mode")

	defaultEncoderConfig = zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
)

// Format specifies how log entries are encoded.
type Format int

// ToFormat chooses a log format. If the format is "auto", the writer's file
// descriptor decides between terminal colors and plain output.
func ToFormat(h string, fd uintptr) (Format, error) {
	switch strings.ToLower(h) {
	case AutoString:
		if term.IsTerminal(int(fd)) {
			return Colors, nil
		}
		return Plain, nil
	case PlainString:
		return Plain, nil
	case ColorsString:
		return Colors, nil
	case JSONString:
		return JSON, nil
	default:
		return Plain, fmt.Errorf("%w: %s", errUnknownFormat, h)
	}
}

func (f Format) String() string {
	switch f {
	case Auto:
		return AutoString
	case Plain:
		return PlainString
	case Colors:
		return ColorsString
	case JSON:
		return JSONString
	default:
		return "unknown"
	}
}

func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// ConsoleEncoder returns the encoder for the log output to a terminal or
// console stream.
func (f Format) ConsoleEncoder() zapcore.Encoder {
	switch f {
	case Colors:
		return zapcore.NewConsoleEncoder(newTermEncoderConfig(consoleColorLevelEncoder))
	case JSON:
		return zapcore.NewJSONEncoder(defaultEncoderConfig)
	default:
		return zapcore.NewConsoleEncoder(newTermEncoderConfig(levelEncoder))
	}
}

// FileEncoder returns the encoder for log output written to files.
func (f Format) FileEncoder() zapcore.Encoder {
	switch f {
	case JSON:
		return zapcore.NewJSONEncoder(defaultEncoderConfig)
	default:
		return zapcore.NewConsoleEncoder(newTermEncoderConfig(levelEncoder))
	}
}

func newTermEncoderConfig(lvlEncoder zapcore.LevelEncoder) zapcore.EncoderConfig {
	config := defaultEncoderConfig
	config.EncodeLevel = lvlEncoder
	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(termTimeFormat))
	}
	return config
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(Level(l).String())
}

func consoleColorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(levelColor(Level(l)).Wrap(Level(l).String()))
}

// Color is an ANSI escape sequence applied to terminal log output.
type Color string

const (
	red         Color = "\033[0;31m"
	yellow      Color = "\033[0;33m"
	lightBlue   Color = "\033[1;34m"
	lightPurple Color = "\033[1;35m"
	lightGreen  Color = "\033[1;32m"
	reset       Color = "\033[0;0m"
)

func (c Color) Wrap(text string) string {
	return string(c) + text + string(reset)
}

func levelColor(l Level) Color {
	switch l {
	case Fatal, Error:
		return red
	case Warn:
		return yellow
	case Info:
		// Use the terminal default to support white backgrounds.
		return reset
	case Trace:
		return lightPurple
	case Debug:
		return lightBlue
	case Verbo:
		return lightGreen
	default:
		return reset
	}
}
