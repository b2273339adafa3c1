package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the process-wide logger. Level is one of debug, info,
// warn, error. When logDir is non-empty, output is duplicated to
// <logDir>/agent.log alongside a human-readable console stream.
func Init(level, logDir string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(level))

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}

	var out io.Writer = console
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(logDir, "agent.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(console, f)
	}

	root = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
