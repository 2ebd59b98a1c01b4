// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	appName = "clinrule"

	defaultFormat = "json"
	defaultLevel  = "info"
)

// Config is a validated logging configuration.
type Config struct {
	Format string
	Level  slog.Level
}

// DefaultConfig returns JSON output at info level.
func DefaultConfig() Config {
	return Config{
		Format: defaultFormat,
		Level:  slog.LevelInfo,
	}
}

// ParseConfig validates the configured format and level names. Empty values
// fall back to the defaults.
func ParseConfig(format, level string) (Config, error) {
	f, err := parseFormat(format)
	if err != nil {
		return Config{}, err
	}
	l, err := parseLevel(level)
	if err != nil {
		return Config{}, err
	}
	return Config{Format: f, Level: l}, nil
}

// NewLogger creates a structured logger carrying static app and command
// attributes.
func NewLogger(cfg Config, writer io.Writer, command string) *slog.Logger {
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	command = strings.TrimSpace(command)
	if command == "" {
		command = appName
	}
	return slog.New(handler).With("app", appName, "command", command)
}

// Bootstrap builds the logger for a command and installs it as the slog
// default.
func Bootstrap(format, level string, writer io.Writer, command string) (*slog.Logger, error) {
	cfg, err := ParseConfig(format, level)
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg, writer, command)
	slog.SetDefault(logger)
	return logger, nil
}

func parseFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	if format == "" {
		return defaultFormat, nil
	}
	switch format {
	case "json", "text":
		return format, nil
	default:
		return "", fmt.Errorf("log.format must be one of: json, text")
	}
}

func parseLevel(raw string) (slog.Level, error) {
	level := strings.ToLower(strings.TrimSpace(raw))
	if level == "" {
		level = defaultLevel
	}
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
}
