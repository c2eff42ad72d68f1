package observe

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_Console(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, sync := NewLogger(LogConfig{Level: slog.LevelInfo, Output: &buf})

	log.Debug("hidden")
	log.Info("session started", "cards", 3)
	_ = sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line emitted at info level: %s", out)
	}
	if !strings.Contains(out, "session started") || !strings.Contains(out, "cards") {
		t.Errorf("info line missing: %s", out)
	}
}

func TestNewLogger_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ankilive.log")
	log, sync := NewLogger(LogConfig{Level: slog.LevelDebug, File: path})

	log.Debug("frame sent", "bytes", 2048)
	if err := sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"frame sent"`) {
		t.Errorf("log file missing JSON entry: %s", data)
	}
}

func TestZapLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   slog.Level
		want string
	}{
		{slog.LevelDebug, "debug"},
		{slog.LevelInfo, "info"},
		{slog.LevelWarn, "warn"},
		{slog.LevelError, "error"},
	}
	for _, tt := range tests {
		if got := zapLevel(tt.in).String(); got != tt.want {
			t.Errorf("zapLevel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_LevelVar(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	log, sync := NewLogger(LogConfig{LevelVar: lv, Output: &buf})

	log.Info("before")
	lv.Set(slog.LevelDebug)
	log.Debug("after")
	_ = sync()

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Errorf("info line emitted at warn level: %s", out)
	}
	if !strings.Contains(out, "after") {
		t.Errorf("debug line missing after level change: %s", out)
	}
}
