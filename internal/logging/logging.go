// Package logging provides structured logging infrastructure for sdlcflow.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	charmlog "github.com/charmbracelet/log"

	"github.com/sdlcflow/sdlcflow/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)
	handler := newHandler(cfg.Logging.Format, os.Stderr, level)

	var closer io.Closer
	if cfg.Logging.File != "" {
		logPath := cfg.LogFile(baseDir)

		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, err
		}

		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		closer = file

		multi := io.MultiWriter(os.Stderr, file)
		handler = newHandler(cfg.Logging.Format, multi, level)
	}

	return slog.New(handler), closer, nil
}

// NewForRun creates a logger that tees to stderr and to a per-run log file
// under <baseDir>/<state_dir>/runs/<runID>.log, used by the CLI to keep a
// standalone record of a single workflow run alongside the shared log.
func NewForRun(cfg *config.Config, baseDir string, runID string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	runsDir := filepath.Join(cfg.StateDir(baseDir), "runs")
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, nil, err
	}

	logPath := filepath.Join(runsDir, runID+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	handler := newHandler(cfg.Logging.Format, io.MultiWriter(os.Stderr, file), level)
	return slog.New(handler), file, nil
}

// NewDefault creates a default logger writing to stderr.
func NewDefault() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// NewWithLevel creates a logger with the specified level.
func NewWithLevel(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format. JSON is the durable,
// machine-parsed format for run logs and log aggregation; text renders
// through charmbracelet/log for an operator watching a foreground run in
// a terminal — colorized levels, aligned fields, no quoting noise.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	switch format {
	case config.LogFormatText:
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			ReportCaller:    false,
		})
	case config.LogFormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
}

// charmLevel maps a slog.Level onto charmbracelet/log's own level type,
// which newHandler's caller (parseLevel) otherwise has no reason to know
// about.
func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}

// WithFields returns a logger with the given fields added.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// WithWorkflow returns a logger with workflow context.
func WithWorkflow(logger *slog.Logger, workflowID string) *slog.Logger {
	return logger.With("workflow_id", workflowID)
}

// WithStep returns a logger with step context.
func WithStep(logger *slog.Logger, stepID string, attempt int) *slog.Logger {
	return logger.With("step_id", stepID, "attempt", attempt)
}

// WithAgent returns a logger with handler-agent context.
func WithAgent(logger *slog.Logger, agentID string) *slog.Logger {
	return logger.With("agent", agentID)
}
