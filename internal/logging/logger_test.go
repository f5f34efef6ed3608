package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config falls back to default", config: nil},
		{name: "explicit config", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("visible warning")
	output := buf.String()
	if !strings.Contains(output, "[WARN]") || !strings.Contains(output, "visible warning") {
		t.Errorf("expected warn line, got: %s", output)
	}
}

func TestLoggerFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("opened file", "name", "usbpiper_bulk_in_01", "fh", 0)
	output := buf.String()
	if !strings.Contains(output, "name=usbpiper_bulk_in_01") {
		t.Errorf("expected name=... in output, got: %s", output)
	}
	if !strings.Contains(output, "fh=0") {
		t.Errorf("expected fh=0 in output, got: %s", output)
	}
}

func TestLoggerPrintfVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Errorf("release timed out after %dms", 1000)
	output := buf.String()
	if !strings.Contains(output, "[ERROR]") || !strings.Contains(output, "release timed out after 1000ms") {
		t.Errorf("expected formatted error line, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if output := buf.String(); !strings.Contains(output, "debug message") || !strings.Contains(output, "key=value") {
		t.Errorf("expected debug message with key=value, got: %s", output)
	}

	buf.Reset()
	Warn("warning message")
	if output := buf.String(); !strings.Contains(output, "warning message") {
		t.Errorf("expected warning message, got: %s", output)
	}

	buf.Reset()
	Error("error message")
	if output := buf.String(); !strings.Contains(output, "error message") {
		t.Errorf("expected error message, got: %s", output)
	}
}
