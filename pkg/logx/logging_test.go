package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing", Err(errors.New("x")))
}

func TestWriterLoggerKeepsFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "router"))
	l.Warn("retry queue evicted", Int64("user_id", 7), Bool("dropped", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["comp"] != "router" {
		t.Fatalf("comp = %v, want router", m["comp"])
	}
	if m["user_id"] != float64(7) {
		t.Fatalf("user_id = %v, want 7", m["user_id"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"error","message":"emergency mode activated","reason":"db down"}`))
	if !strings.HasPrefix(got, "[ERROR] emergency mode activated") {
		t.Fatalf("unexpected alert text: %q", got)
	}
	if !strings.Contains(got, "- reason=db down") {
		t.Fatalf("alert text misses field: %q", got)
	}
}

func TestParseLevelFallsBack(t *testing.T) {
	t.Parallel()
	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("loud", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel(loud) = %v", got)
	}
}
