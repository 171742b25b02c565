// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(prefix string, format OutputFormat) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New(prefix)
	logger.SetWriter(&buf)
	logger.SetLevel(DEBUG)
	logger.SetFormat(format)
	logger.SetColorize(false)
	return logger, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) JSONLogEntry {
	t.Helper()
	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v, output: %s", err, buf.String())
	}
	return entry
}

func TestLoggerTextLine(t *testing.T) {
	logger, buf := newTestLogger("sampling", FormatText)

	logger.Info("Point %d/%d: X%.2f Y%.2f", 2, 5, 40.0, 150.0)

	output := buf.String()
	for _, want := range []string{"[INFO ]", "sampling:", "Point 2/5: X40.00 Y150.00"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("expected no colour codes, got: %q", output)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	logger, buf := newTestLogger("test", FormatText)
	logger.SetLevel(WARN)

	logger.Debug("debug")
	logger.Info("info")
	if buf.Len() != 0 {
		t.Fatalf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}

	logger.Warn("warn")
	logger.Error("error")
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 lines, got %d: %s", got, buf.String())
	}
	if logger.Enabled(INFO) {
		t.Error("INFO should not be enabled at WARN")
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("calibrate", FormatJSON)

	logger.Info("run started")

	entry := decodeEntry(t, buf)
	if entry.Level != "INFO" || entry.Logger != "calibrate" || entry.Message != "run started" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields != nil {
		t.Errorf("expected no fields, got %v", entry.Fields)
	}
}

func TestLoggerFieldsSortedInText(t *testing.T) {
	logger, buf := newTestLogger("test", FormatText)

	logger.WithFields(Fields{"y": 150.0, "x": 40.0}).Info("sample")

	if !strings.Contains(buf.String(), "{x=40, y=150}") {
		t.Errorf("expected sorted fields, got: %s", buf.String())
	}
}

func TestLoggerWithErrorJSON(t *testing.T) {
	logger, buf := newTestLogger("test", FormatJSON)

	logger.WithError(errors.New("probe timeout")).Error("point failed")

	entry := decodeEntry(t, buf)
	if entry.Fields["error"] != "probe timeout" {
		t.Errorf("expected error field, got: %v", entry.Fields)
	}
}

func TestLoggerPersistentFields(t *testing.T) {
	logger, buf := newTestLogger("test", FormatJSON)

	run := logger.With(Fields{"run": "abc"})
	run.WithField("point", 3).Info("measured")

	entry := decodeEntry(t, buf)
	if entry.Fields["run"] != "abc" {
		t.Errorf("expected persistent run field, got %v", entry.Fields)
	}
	if entry.Fields["point"] != float64(3) {
		t.Errorf("expected point=3, got %v", entry.Fields["point"])
	}

	buf.Reset()
	logger.Info("parent")
	if entry := decodeEntry(t, buf); entry.Fields != nil {
		t.Errorf("parent logger must not inherit child fields, got %v", entry.Fields)
	}
}

func TestLoggerWithPrefixSharesOutput(t *testing.T) {
	logger, buf := newTestLogger("parent", FormatText)

	child := logger.WithPrefix("child")
	child.Info("child message")
	logger.Info("parent message")

	output := buf.String()
	if !strings.Contains(output, "child: child message") || !strings.Contains(output, "parent: parent message") {
		t.Errorf("expected both prefixes in output, got: %s", output)
	}
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("test", FormatText)
	logger.SetCaller(true)

	logger.Info("caller test")
	logger.WithField("k", 1).Info("entry caller test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "logger_test.go:") {
			t.Errorf("expected caller info 'logger_test.go:', got: %s", line)
		}
	}
}

func TestEntryChainingDoesNotMutate(t *testing.T) {
	logger, buf := newTestLogger("test", FormatJSON)

	base := logger.WithField("a", 1)
	base.WithField("b", 2).Info("first")
	buf.Reset()
	base.Info("second")

	entry := decodeEntry(t, buf)
	if len(entry.Fields) != 1 {
		t.Errorf("expected base entry to keep 1 field, got %v", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", DEBUG},
		{"TRACE", DEBUG},
		{"info", INFO},
		{"WARNING", WARN},
		{" error ", ERROR},
		{"bogus", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
	if LogLevel(42).String() != "UNKNOWN" {
		t.Error("out of range level should render as UNKNOWN")
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("TWISTCAL_LOG_LEVEL", "error")
	t.Setenv("TWISTCAL_LOG_FORMAT", "json")
	t.Setenv("TWISTCAL_LOG_CALLER", "1")

	logger, buf := newTestLogger("env", FormatText)
	ConfigureFromEnv(logger)

	if logger.GetLevel() != ERROR {
		t.Errorf("expected ERROR level, got %v", logger.GetLevel())
	}
	logger.Error("boom")
	entry := decodeEntry(t, buf)
	if entry.Caller == "" {
		t.Error("expected caller to be set")
	}
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger("planner")
	if logger == nil {
		t.Fatal("expected logger, got nil")
	}
	if logger.prefix != "planner" {
		t.Errorf("expected prefix 'planner', got %q", logger.prefix)
	}
}

func BenchmarkLoggerText(b *testing.B) {
	var buf bytes.Buffer
	logger := New("bench")
	logger.SetWriter(&buf)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		logger.Info("Point %d/%d", i, b.N)
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	logger := New("bench")
	logger.SetWriter(&bytes.Buffer{})
	logger.SetLevel(ERROR)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("filtered")
	}
}
