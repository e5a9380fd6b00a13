package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(INFO)
	t.Cleanup(func() { SetLevel(INFO) })

	InfoCF("engine", "Turn resolved", map[string]any{"turn": 3})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "engine" {
		t.Errorf("component = %v, want engine", entry["component"])
	}
	if entry["message"] != "Turn resolved" {
		t.Errorf("message = %v, want %q", entry["message"], "Turn resolved")
	}
	if entry["turn"] != float64(3) {
		t.Errorf("turn = %v, want 3", entry["turn"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
}

func TestSetLevel_FiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	t.Cleanup(func() { SetLevel(INFO) })

	DebugC("node", "hidden")
	InfoC("node", "hidden too")
	WarnC("node", "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("expected warn line, got %q", out)
	}
	if GetLevel() != WARN {
		t.Errorf("GetLevel() = %v, want WARN", GetLevel())
	}
}
