package proxyvisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupLogging_WritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "log", "supervisor.log")
	logger, closer, err := SetupLogging(LoggingConfig{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	logger.Debug("Supervisor: test line", slog.String("instance", "eu"))
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"Supervisor: test line"`) || !strings.Contains(string(data), `"instance":"eu"`) {
		t.Fatalf("log file = %s", data)
	}
	if slog.Default() != logger {
		t.Fatal("logger not installed as default")
	}
}

func TestSetupLogging_StdoutOnly(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, closer, err := SetupLogging(LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	defer closer.Close()
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at error level")
	}
}
