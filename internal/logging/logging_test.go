package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sdlcflow/sdlcflow/internal/config"
)

func TestNewFromConfig_DefaultsToStderr(t *testing.T) {
	cfg := &config.Config{
		Logging: config.LoggingConfig{
			Level:  config.LogLevelInfo,
			Format: config.LogFormatJSON,
			File:   "", // No file
		},
	}

	logger, closer, err := NewFromConfig(cfg, "/tmp")
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer != nil {
		t.Error("Expected no closer when no file configured")
	}
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewFromConfig_WithFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			StateDir: filepath.Join(dir, "state"),
		},
		Logging: config.LoggingConfig{
			Level:  config.LogLevelInfo,
			Format: config.LogFormatJSON,
			File:   "sdlcflow.log",
		},
	}

	logger, closer, err := NewFromConfig(cfg, dir)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer == nil {
		t.Fatal("Expected closer when file configured")
	}
	defer closer.Close()

	logger.Info("test message")

	data, err := os.ReadFile(filepath.Join(dir, "sdlcflow.log"))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Errorf("Log file does not contain expected message: %s", data)
	}
}

func TestNewForRun(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			StateDir: filepath.Join(dir, "state"),
		},
		Logging: config.LoggingConfig{
			Level:  config.LogLevelDebug,
			Format: config.LogFormatJSON,
		},
	}

	logger, closer, err := NewForRun(cfg, dir, "run-123")
	if err != nil {
		t.Fatalf("NewForRun failed: %v", err)
	}
	if closer == nil {
		t.Fatal("Expected closer for run log")
	}
	defer closer.Close()

	logger.Info("test message", "key", "value")

	logPath := filepath.Join(dir, "state", "runs", "run-123.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	if !strings.Contains(string(data), "test message") {
		t.Errorf("Log file does not contain expected message: %s", data)
	}
}

func TestNewForRun_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			StateDir: filepath.Join(dir, "nested", "deep", "state"),
		},
		Logging: config.LoggingConfig{
			Level:  config.LogLevelInfo,
			Format: config.LogFormatJSON,
		},
	}

	logger, closer, err := NewForRun(cfg, dir, "run-456")
	if err != nil {
		t.Fatalf("NewForRun failed: %v", err)
	}
	if closer != nil {
		closer.Close()
	}
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}

	runsDir := filepath.Join(dir, "nested", "deep", "state", "runs")
	info, err := os.Stat(runsDir)
	if err != nil {
		t.Fatalf("Directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("Expected directory, got file")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input config.LogLevel
		want  slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%s) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	handler := newHandler(config.LogFormatJSON, &buf, slog.LevelInfo)
	logger := slog.New(handler)

	logger.Info("test", "key", "value")

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("JSON unmarshal failed: %v (output: %s)", err, buf.String())
	}

	if result["msg"] != "test" {
		t.Errorf("msg = %v, want test", result["msg"])
	}
	if result["key"] != "value" {
		t.Errorf("key = %v, want value", result["key"])
	}
}

func TestNewHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	handler := newHandler(config.LogFormatText, &buf, slog.LevelInfo)
	logger := slog.New(handler)

	logger.Info("test", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test") {
		t.Errorf("output should contain 'test': %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("output should contain 'key=value': %s", output)
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewForTest(t *testing.T) {
	logger := NewForTest()
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
	logger.Info("test message")
}

func TestNewWithLevel(t *testing.T) {
	logger := NewWithLevel(slog.LevelDebug)
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(handler)

	enriched := WithFields(logger, "field1", "value1", "field2", 42)
	enriched.Info("test")

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}

	if result["field1"] != "value1" {
		t.Errorf("field1 = %v, want value1", result["field1"])
	}
	if result["field2"] != float64(42) {
		t.Errorf("field2 = %v, want 42", result["field2"])
	}
}

func TestWithWorkflow(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(handler)

	enriched := WithWorkflow(logger, "wf-001")
	enriched.Info("test")

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}

	if result["workflow_id"] != "wf-001" {
		t.Errorf("workflow_id = %v, want wf-001", result["workflow_id"])
	}
}

func TestWithStep(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(handler)

	enriched := WithStep(logger, "build", 2)
	enriched.Info("test")

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}

	if result["step_id"] != "build" {
		t.Errorf("step_id = %v, want build", result["step_id"])
	}
	if result["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want 2", result["attempt"])
	}
}

func TestWithAgent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(handler)

	enriched := WithAgent(logger, "implementer")
	enriched.Info("test")

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}

	if result["agent"] != "implementer" {
		t.Errorf("agent = %v, want implementer", result["agent"])
	}
}
