package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCleansInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With("site", "bad\xffsite")
	log.Info("subject \xfe here", "notes", "x\xffy")

	out := buf.String()
	if strings.Contains(out, "\xff") || strings.Contains(out, "\xfe") {
		t.Errorf("output still contains invalid bytes: %q", out)
	}
	if !strings.Contains(out, "x�y") {
		t.Errorf("output = %q, want replacement character", out)
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "synchrony.log")
	log, closer, err := New(Options{Path: path, Level: "debug"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	log.Debug("PULLING ATTEMPT", "site", "acme")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(data), "PULLING ATTEMPT") || !strings.Contains(string(data), "pid=") {
		t.Errorf("log file = %q", data)
	}
}
