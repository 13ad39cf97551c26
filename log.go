package loom

import (
	btclog "github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/loom/build"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "LOOM"

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log = btclog.Disabled

// DisableLog disables all library log output. Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// UseLogManager wires the package logger to a build.LogManager, tagging
// all runtime output with this package's subsystem code. This is the
// usual way an embedding host turns runtime logging on.
func UseLogManager(m *build.LogManager) {
	UseLogger(m.Logger(Subsystem))
}
