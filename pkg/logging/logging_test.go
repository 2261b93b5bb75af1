package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "json", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("table", "tmp_1").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["message"] != "visible" || entry["table"] != "tmp_1" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("", "text", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Debug().Msg("hidden")
	logger.Info().Msg("export started")

	out := buf.String()
	if !strings.Contains(out, "export started") || strings.Contains(out, "hidden") {
		t.Errorf("output = %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("text format produced JSON: %q", out)
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New("loud", "json", nil); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}
