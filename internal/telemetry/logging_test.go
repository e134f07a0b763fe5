package telemetry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-cue/internal/telemetry"
)

func readLogLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_WritesJSONLWithTimestampKey(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("hello", "agent_id", "fox")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	entry := lines[0]
	if entry["msg"] != "hello" || entry["agent_id"] != "fox" {
		t.Fatalf("entry = %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("entry missing timestamp key: %v", entry)
	}
	if entry["component"] != "gocue" {
		t.Fatalf("component = %v", entry["component"])
	}
}

func TestNewLogger_RedactsSensitiveAttrs(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("auth",
		"api_key", "sk-12345",
		"note", "header was Authorization: Bearer sk-12345",
		"plain", "nothing sensitive",
	)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entry := readLogLines(t, home)[0]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key = %v", entry["api_key"])
	}
	if entry["note"] != "[REDACTED]" {
		t.Fatalf("note = %v", entry["note"])
	}
	if entry["plain"] != "nothing sensitive" {
		t.Fatalf("plain = %v", entry["plain"])
	}
}

func TestNewLogger_LevelFiltersDebug(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLogLines(t, home)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Fatalf("lines = %v", lines)
	}
}
