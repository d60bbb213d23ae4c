// Package rjlog is the structured-logging facade shared by every package in
// this module. It wraps github.com/joeycumines/logiface so that callers may
// swap the backend (zerolog by default) without touching call sites.
package rjlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/izerolog"
	"github.com/rs/zerolog"
)

// Logger is the type every package in this module accepts at construction
// time. None of them reach for a package-level global.
type Logger = logiface.Logger[logiface.Event]

// Nop returns a Logger that discards everything, for callers that don't
// want to wire a real sink (mainly tests).
func Nop() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// New builds a Logger backed by zerolog, writing newline-delimited JSON to w
// at the given minimum level.
func New(w io.Writer, level logiface.Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	).Logger()
}

// Default returns a human-readable console logger writing to stderr at
// informational level, suitable for a process that hasn't been handed an
// explicit Logger.
func Default() *Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr}
	zl := zerolog.New(cw).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(logiface.LevelInformational),
	).Logger()
}
