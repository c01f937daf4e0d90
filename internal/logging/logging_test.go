package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != InfoLevel {
		t.Errorf("expected Level to be InfoLevel, got %v", cfg.Level)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected Output to be os.Stderr")
	}
	if cfg.TimeFormat != time.RFC3339 {
		t.Errorf("expected TimeFormat to be RFC3339, got %s", cfg.TimeFormat)
	}
	if cfg.LogDir != "/tmp" {
		t.Errorf("expected LogDir to be /tmp, got %s", cfg.LogDir)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"  debug  ", DebugLevel},
		{"INFO", InfoLevel},
		{"WARN", WarnLevel},
		{"WARNING", WarnLevel},
		{"ERROR", ErrorLevel},
		{"FATAL", FatalLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Debug().Msg("debug message")
	Info().Msg("info message")
	Warn().Msg("warn message")
	Error().Msg("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("debug/info should be filtered out at WarnLevel, got %s", output)
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Errorf("warn/error should appear at WarnLevel, got %s", output)
	}
}

func TestLogToFile(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: tempDir})
	defer Close()

	Info().Msg("file log test")

	logPath := GetLogFilePath()
	if logPath == "" {
		t.Fatal("expected log file path to be set")
	}
	if !strings.HasPrefix(logPath, tempDir) {
		t.Errorf("log file path %s should be in %s", logPath, tempDir)
	}
	fileName := filepath.Base(logPath)
	if !strings.HasPrefix(fileName, "oppi-") || !strings.HasSuffix(fileName, ".log") {
		t.Errorf("unexpected log file name: %s", fileName)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "file log test") {
		t.Errorf("log file should contain 'file log test', got: %s", string(content))
	}
}

func TestClose(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: tempDir})
	if GetLogFilePath() == "" {
		t.Fatal("expected log file path before close")
	}

	Close()
	if GetLogFilePath() != "" {
		t.Error("expected empty log file path after close")
	}
}

// The remaining tests call the scoped-logger helpers directly and check
// that each log line carries the matching session, event, tool call, or
// permission request field under a consistent name.

func TestSessionLoggerCarriesSessionID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	l := SessionLogger("s1")
	l.Info().Msg("session scoped")

	var fields map[string]any
	require_NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	if fields["sessionID"] != "s1" {
		t.Errorf("expected sessionID=s1, got %v", fields["sessionID"])
	}
}

func TestEventLoggerCarriesSessionIDAndSeq(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	l := EventLogger("s1", 42)
	l.Info().Msg("event scoped")

	var fields map[string]any
	require_NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	if fields["sessionID"] != "s1" {
		t.Errorf("expected sessionID=s1, got %v", fields["sessionID"])
	}
	if fields["seq"] != float64(42) {
		t.Errorf("expected seq=42, got %v", fields["seq"])
	}
}

func TestToolCallLoggerCarriesToolCallID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	l := ToolCallLogger("s1", "tc-1")
	l.Info().Msg("tool call scoped")

	var fields map[string]any
	require_NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	if fields["toolCallID"] != "tc-1" {
		t.Errorf("expected toolCallID=tc-1, got %v", fields["toolCallID"])
	}
}

func TestPermissionLoggerCarriesPermissionID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	l := PermissionLogger("s1", "perm-1")
	l.Info().Msg("permission scoped")

	var fields map[string]any
	require_NoError(t, json.Unmarshal(lastLine(t, &buf), &fields))
	if fields["permissionID"] != "perm-1" {
		t.Errorf("expected permissionID=perm-1, got %v", fields["permissionID"])
	}
}

func lastLine(t *testing.T, buf *bytes.Buffer) []byte {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	return []byte(lines[len(lines)-1])
}

func require_NoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
