package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(formatBytes(tc.in)) != 8 {
			t.Errorf("formatBytes(%v) is not 8 chars wide", tc.in)
		}
	}
}

func TestNodeIDFromString(t *testing.T) {
	if got := NodeIDFromString("42"); got != 42 {
		t.Errorf("Numeric id: got %d", got)
	}
	for _, name := range []string{"0", "256", "kitchen", "", "-3"} {
		id := NodeIDFromString(name)
		if id == 0 {
			t.Errorf("NodeIDFromString(%q) returned broadcast id", name)
		}
		if id != NodeIDFromString(name) {
			t.Errorf("NodeIDFromString(%q) is not stable", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo, "warning": LevelWarn, "error": LevelError, "off": LevelOff} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

// TestZerologLoggerLevels verifies JSON output and runtime level changes.
func TestZerologLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger("test", LevelInfo, &buf)

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.SetLevel(LevelError)
	l.Warnf("hidden %d", 3)
	l.Errorf("shown %d", 4)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Line is not JSON: %v", err)
	}
	if entry["message"] != "shown 2" || entry["level"] != "info" || entry["app"] != "test" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestPtermLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewPtermLogger(LevelWarn, &buf)
	l.Infof("quiet")
	l.Warnf("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("Unexpected output: %q", buf.String())
	}
}
