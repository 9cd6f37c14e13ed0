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

func TestTextRecord(t *testing.T) {
	logger, buf := newTestLogger("calibrate", FormatText)

	logger.Info("energy %.4f after %d iterations", 0.0123, 5)

	output := buf.String()
	for _, want := range []string{"[INFO ]", "calibrate:", "energy 0.0123 after 5 iterations"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("buffer output must not be colorized: %q", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newTestLogger("probe", FormatText)
	logger.SetLevel(WARN)

	logger.Debug("probe at 0,0")
	logger.Info("probe at 0,0")
	if buf.Len() != 0 {
		t.Fatalf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}
	if logger.Enabled(INFO) || !logger.Enabled(ERROR) {
		t.Fatal("Enabled disagrees with level")
	}

	logger.Warn("probe retried")
	logger.Error("probe failed")
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 records, got %d: %s", got, buf.String())
	}
}

func TestJSONRecordWithFields(t *testing.T) {
	logger, buf := newTestLogger("anneal", FormatJSON)

	logger.WithFields(Fields{"iteration": 10, "temp": 0.25}).
		WithField("group", "radius").
		Info("step")

	entry := decodeEntry(t, buf)
	if entry.Level != "INFO" || entry.Logger != "anneal" || entry.Message != "step" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Fields["group"] != "radius" || entry.Fields["iteration"] != float64(10) {
		t.Errorf("fields not carried: %v", entry.Fields)
	}
}

func TestPersistentFields(t *testing.T) {
	logger, buf := newTestLogger("calibrate", FormatText)
	run := logger.With(Fields{"run": "abc"})

	run.WithField("energy", 0.5).Info("sample")
	out := buf.String()
	if !strings.Contains(out, "run=abc") || !strings.Contains(out, "energy=0.5") {
		t.Errorf("expected persistent and entry fields, got %q", out)
	}

	buf.Reset()
	logger.Info("parent")
	if strings.Contains(buf.String(), "run=abc") {
		t.Errorf("parent must not inherit child fields: %q", buf.String())
	}
}

func TestWithError(t *testing.T) {
	logger, buf := newTestLogger("surface", FormatJSON)
	logger.WithError(errors.New("depth map corrupt")).Error("load failed")

	entry := decodeEntry(t, buf)
	if entry.Fields["error"] != "depth map corrupt" {
		t.Errorf("expected error field, got: %v", entry.Fields)
	}

	buf.Reset()
	logger.WithError(nil).Warn("nil error")
	if !strings.Contains(buf.String(), "<nil>") {
		t.Errorf("nil error should be rendered, got %q", buf.String())
	}
}

func TestCallerInfo(t *testing.T) {
	logger, buf := newTestLogger("test", FormatText)
	logger.SetCaller(true)

	logger.Info("caller test")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("expected caller info, got: %s", buf.String())
	}

	buf.Reset()
	logger.SetFormat(FormatJSON)
	logger.WithField("k", 1).Info("entry caller")
	entry := decodeEntry(t, buf)
	if !strings.Contains(entry.Caller, "logger_test.go:") {
		t.Errorf("expected entry caller in test file, got %q", entry.Caller)
	}
}

func TestWithPrefixSharesWriter(t *testing.T) {
	logger, buf := newTestLogger("deltacal", FormatText)
	child := logger.WithPrefix("history")
	child.Info("stored run")
	if !strings.Contains(buf.String(), "history:") {
		t.Errorf("expected child prefix, got: %s", buf.String())
	}
	if child.Prefix() != "history" {
		t.Errorf("Prefix() = %q", child.Prefix())
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{" info ", INFO},
		{"WARNING", WARN},
		{"error", ERROR},
		{"bogus", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}

	if ParseFormat("JSON") != FormatJSON || ParseFormat("text") != FormatText || ParseFormat("") != FormatText {
		t.Error("ParseFormat mismatch")
	}
	if LogLevel(42).String() != "UNKNOWN" {
		t.Error("unknown level string")
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("DELTACAL_LOG_LEVEL", "error")
	t.Setenv("DELTACAL_LOG_FORMAT", "json")
	logger, buf := newTestLogger("env", FormatText)
	ConfigureFromEnv(logger)

	logger.Warn("dropped")
	logger.Error("kept")
	entry := decodeEntry(t, buf)
	if entry.Message != "kept" {
		t.Errorf("expected only the error record, got %q", buf.String())
	}
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger("geometry")
	if logger == nil || logger.Prefix() != "geometry" {
		t.Fatalf("unexpected logger %+v", logger)
	}
	if GetLogger("") == nil {
		t.Fatal("default logger missing")
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	logger, _ := newTestLogger("bench", FormatText)
	logger.SetLevel(ERROR)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("filtered %d", i)
	}
}
