package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("job.fired", String("job", "u1/ping/09:00"), Int("n", 2), Err(errors.New("boom")), String("comp", "override"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["message"] != "job.fired" {
		t.Fatalf("message=%v", m["message"])
	}
	if m["job"] != "u1/ping/09:00" {
		t.Fatalf("job=%v", m["job"])
	}
	if m["comp"] != "override" {
		t.Fatalf("later fields should win, comp=%v", m["comp"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled")
	}
	log.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("warn not written")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens", String("k", "v"))
	Nop().With(Bool("x", true)).Warn("still nothing")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, LevelInfo); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestServiceApplySwitchesFileAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	child := log.With(String("comp", "sched"))
	child.Info("hidden")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	child.Info("visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(raw)
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"message":"visible"`) {
		t.Fatalf("unexpected log file contents: %s", out)
	}
	if !strings.Contains(out, `"comp":"sched"`) {
		t.Fatalf("derived fields lost after Apply: %s", out)
	}
}
