// Package logging is the process-wide logrus setup every Foundry component
// logs through, following the teacher's package-level *logrus.Logger
// convention (core/consensus.go takes one as a constructor argument;
// cmd/cli wires it from a single logrus.StandardLogger()).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.StandardLogger()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// L returns the process-wide logger. Components that need a scoped logger
// should call L().WithField/WithFields rather than building their own.
func L() *logrus.Logger { return std }

// SetLevel parses level (e.g. "debug", "info", "warn") and applies it to the
// process-wide logger; an unknown level is an error, not a silent fallback.
func SetLevel(level string) error {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(lv)
	return nil
}

// SetJSON switches the process-wide logger to structured JSON output, for
// deployments that ship logs to a collector rather than a terminal.
func SetJSON(enabled bool) {
	if enabled {
		std.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
