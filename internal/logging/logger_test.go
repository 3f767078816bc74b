// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// TestLogger_Info verifies the JSON shape of an info entry.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("flush complete", map[string]interface{}{"acked": 3})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	entry := lines[0]
	if entry["message"] != "flush complete" {
		t.Errorf("message = %v, want flush complete", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["acked"] != float64(3) {
		t.Errorf("acked = %v, want 3", entry["acked"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

// TestLogger_minLevel verifies entries below the minimum level are dropped.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["message"] != "warn" {
		t.Errorf("message = %v, want warn", lines[0]["message"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("enqueue refused", "QUEUE_FULL", io.ErrShortWrite, map[string]interface{}{"collection": "transactions"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	entry := lines[0]
	if entry["code"] != "QUEUE_FULL" {
		t.Errorf("code = %v, want QUEUE_FULL", entry["code"])
	}
	if entry["collection"] != "transactions" {
		t.Errorf("collection = %v, want transactions", entry["collection"])
	}
	if entry["error"] != io.ErrShortWrite.Error() {
		t.Errorf("error = %v, want %v", entry["error"], io.ErrShortWrite)
	}
}

// TestLogger_mergesContexts verifies several context maps are merged.
func TestLogger_mergesContexts(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Debug("page", map[string]interface{}{"collection": "bitacora"}, map[string]interface{}{"page": 2})

	entry := decodeLines(t, &buf)[0]
	if entry["collection"] != "bitacora" || entry["page"] != float64(2) {
		t.Errorf("merged context = %v", entry)
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
