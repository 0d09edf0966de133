// Package logging builds the structured logger every synchronization
// component receives.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultPath is the log file used when none is configured.
const DefaultPath = "log/synchrony.log"

// Options configures New.
type Options struct {
	Path       string
	Level      string
	Stderr     bool
	MaxSizeMB  int
	MaxBackups int
}

// New returns a text logger writing to a rotating file. Close the returned
// closer to flush and release the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, err
		}
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	if sink.MaxSize <= 0 {
		sink.MaxSize = 10
	}
	if sink.MaxBackups <= 0 {
		sink.MaxBackups = 5
	}

	var w io.Writer = sink
	if opts.Stderr {
		w = io.MultiWriter(sink, os.Stderr)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	return slog.New(cleanHandler{handler}).With("pid", os.Getpid()), sink, nil
}

// NewWriter returns a logger over w, for tests and stderr-only runs.
func NewWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(cleanHandler{slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps debug, info, warn and error; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// cleanHandler replaces invalid UTF-8 in messages and string attributes;
// remote payloads are not trusted to be well formed.
type cleanHandler struct {
	slog.Handler
}

func (h cleanHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, clean(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(cleanAttr(a))
		return true
	})
	return h.Handler.Handle(ctx, out)
}

func (h cleanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		cleaned[i] = cleanAttr(a)
	}
	return cleanHandler{h.Handler.WithAttrs(cleaned)}
}

func (h cleanHandler) WithGroup(name string) slog.Handler {
	return cleanHandler{h.Handler.WithGroup(name)}
}

func cleanAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, clean(a.Value.String()))
	}
	return a
}

func clean(s string) string {
	return strings.ToValidUTF8(s, "�")
}
