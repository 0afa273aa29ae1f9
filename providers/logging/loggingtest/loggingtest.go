// Package loggingtest provides loggers for tests.
package loggingtest

import (
	"log/slog"
	"os"

	"github.com/alecthomas/landlord/providers/logging"
)

// NewForTesting returns a logger writing uncoloured console output to stderr.
func NewForTesting() *slog.Logger {
	return logging.New(os.Stderr, logging.Config{Level: slog.LevelInfo, NoColor: true})
}
