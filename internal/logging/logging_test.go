package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gelson12/bjj-video-analysis/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "posed.log")
	var out bytes.Buffer

	logger, closeFn, err := New(&out, config.LogConfig{Level: "warn", File: path}, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("run failed", "run_id", "r1")
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, out.Bytes()) {
		t.Errorf("file copy differs from stream:\n%s\n%s", data, out.Bytes())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (info filtered)", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "run failed" || rec["run_id"] != "r1" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewDebugOverride(t *testing.T) {
	var out bytes.Buffer
	logger, _, err := New(&out, config.LogConfig{Level: "error"}, true)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("visible")
	if !strings.Contains(out.String(), "visible") {
		t.Error("debug flag did not lower the level")
	}
}
