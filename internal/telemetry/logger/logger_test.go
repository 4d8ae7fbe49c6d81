package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level, format string) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Config{Level: level, Format: format, Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log %q: %v", buf.String(), err)
	}
	return entry
}

func TestNew(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), {Level: "debug", Format: "text"}, {Level: "info", Format: "console"}} {
		l, err := New(cfg)
		if err != nil || l == nil {
			t.Fatalf("New(%+v) = %v, %v", cfg, l, err)
		}
	}
}

func TestLogger_Levels(t *testing.T) {
	l, buf := newBufferLogger(t, "debug", "json")

	tests := []struct {
		level   string
		logFunc func(string, ...any)
	}{
		{"DEBUG", l.Debug},
		{"INFO", l.Info},
		{"WARN", l.Warn},
		{"ERROR", l.Error},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf.Reset()
			tt.logFunc("part uploaded", "ordinal", 2)

			entry := decodeEntry(t, buf)
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["msg"] != "part uploaded" {
				t.Errorf("msg = %v", entry["msg"])
			}
			if entry["ordinal"] != float64(2) {
				t.Errorf("ordinal = %v", entry["ordinal"])
			}
		})
	}
}

func TestLogger_With(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")

	l.With("component", "batch").Info("session opened")

	if entry := decodeEntry(t, buf); entry["component"] != "batch" {
		t.Errorf("component = %v, want batch", entry["component"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, "warn", "json")

	l.Debug("debug message")
	l.Info("info message")
	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is warn")
	}

	l.Warn("warn message")
	if buf.Len() == 0 {
		t.Error("Warn message should be logged")
	}
}

func TestSetLevel(t *testing.T) {
	l, buf := newBufferLogger(t, "error", "json")
	SetDefault(l)
	defer func() { SetDefault(mustDefault()) }()

	l.Info("info message")
	if buf.Len() > 0 {
		t.Error("Info should be filtered at error level")
	}

	SetLevel("debug")
	l.Info("info message after level change")
	if buf.Len() == 0 {
		t.Error("Info should be logged after level changed to debug")
	}
	if level := GetLevel(); level != "debug" {
		t.Errorf("GetLevel() = %q, want %q", level, "debug")
	}

	derived, _ := l.With("component", "export").(*slogLogger)
	if derived == nil || derived.level.Level() != slog.LevelDebug {
		t.Error("derived loggers should follow the level change")
	}
}

func TestNew_KeepsOtherLoggersLevel(t *testing.T) {
	l, buf := newBufferLogger(t, "warn", "json")
	SetDefault(l)
	defer func() { SetDefault(mustDefault()) }()

	newBufferLogger(t, "debug", "json")

	l.Info("info message")
	if buf.Len() > 0 {
		t.Error("creating another logger must not change this logger's level")
	}
	if level := GetLevel(); level != "warn" {
		t.Errorf("GetLevel() = %q, want %q", level, "warn")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "debug"},
		{"INFO", "info"},
		{"warning", "warn"},
		{"ERROR", "error"},
		{"invalid", "info"},
		{"", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			SetLevel(tt.input)
			if got := GetLevel(); got != tt.expected {
				t.Errorf("SetLevel(%q); GetLevel() = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPackageLevelFunctions(t *testing.T) {
	l, buf := newBufferLogger(t, "debug", "json")
	SetDefault(l)
	defer func() { SetDefault(mustDefault()) }()

	for name, fn := range map[string]func(string, ...any){"Debug": Debug, "Info": Info, "Warn": Warn, "Error": Error} {
		buf.Reset()
		fn("message")
		if buf.Len() == 0 {
			t.Errorf("%s() produced no output", name)
		}
	}
}

func TestLogger_WithContext(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")

	l.WithContext(context.Background()).Info("poll attempt")
	if buf.Len() == 0 {
		t.Error("Expected log output")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "text")

	l.Info("export finished", "records", 10)

	out := buf.String()
	if !strings.Contains(out, "export finished") || !strings.Contains(out, "records=10") {
		t.Errorf("text output = %s", out)
	}
}

func mustDefault() Logger {
	l, _ := New(DefaultConfig())
	return l
}

func TestSlog(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")
	Slog(l).Info("from slog", "component", "badger")

	entry := decodeEntry(t, buf)
	if entry["msg"] != "from slog" || entry["component"] != "badger" {
		t.Errorf("entry = %v", entry)
	}
	if Slog(nil) == nil {
		t.Error("Slog(nil) should fall back to the default logger")
	}
}

func TestSlog_ContextIDs(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")

	ctx := WithRunID(context.Background(), "ksr-02")
	Slog(l).With("component", "badger").InfoContext(ctx, "value log gc")

	entry := decodeEntry(t, buf)
	if entry["run_id"] != "ksr-02" || entry["component"] != "badger" {
		t.Errorf("entry = %v", entry)
	}
}
