// Logger tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
)

// newTextLogger returns an uncolored text logger writing to buf.
func newTextLogger(prefix string, buf *bytes.Buffer) *Logger {
	l := New(prefix)
	l.SetWriter(buf)
	l.SetColorize(false)
	return l
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []JSONLogEntry {
	t.Helper()
	var entries []JSONLogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e JSONLogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestTextLineLayout(t *testing.T) {
	var buf bytes.Buffer
	l := newTextLogger("latchd", &buf)
	l.Info("starting with %s gateway", "sim")

	line := buf.String()
	for _, want := range []string{"[INFO ] ", "latchd: starting with sim gateway", "\n"} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Errorf("colors written with colorize off: %q", line)
	}
}

func TestColorWrapsPrefixOnly(t *testing.T) {
	var buf bytes.Buffer
	l := New("left")
	l.SetWriter(&buf)
	l.SetColorize(true)
	l.Warn("homing timed out")

	if !strings.Contains(buf.String(), ansiColors[WARN]+"left"+ansiReset+": homing timed out") {
		t.Errorf("unexpected colored line %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{DEBUG, []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{INFO, []string{"INFO", "WARN", "ERROR"}},
		{WARN, []string{"WARN", "ERROR"}},
		{ERROR, []string{"ERROR"}},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			l := newTextLogger("right", &buf)
			l.SetLevel(tt.level)
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(tt.want), buf.String())
			}
			for i, lvl := range tt.want {
				if !strings.Contains(lines[i], "["+lvl) {
					t.Errorf("line %d = %q, want level %s", i, lines[i], lvl)
				}
			}
			if got := l.Enabled(DEBUG); got != (tt.level == DEBUG) {
				t.Errorf("Enabled(DEBUG) = %v", got)
			}
		})
	}
}

func TestLatchFieldsText(t *testing.T) {
	var buf bytes.Buffer
	l := newTextLogger("left", &buf)
	l.WithFields(Fields{"target": 100, "position": 0}).
		WithField("command", "close").
		Info("move")

	if !strings.Contains(buf.String(), "left: move {command=close, position=0, target=100}") {
		t.Errorf("fields not sorted onto the line: %q", buf.String())
	}
}

func TestEntryDoesNotFormatMessage(t *testing.T) {
	var buf bytes.Buffer
	l := newTextLogger("api", &buf)
	l.WithField("path", "/api/latches").Info("100% of requests served")

	if !strings.Contains(buf.String(), "100% of requests served") {
		t.Errorf("entry message was reformatted: %q", buf.String())
	}
}

func TestWithErrorField(t *testing.T) {
	var buf bytes.Buffer
	l := New("bridge")
	l.SetWriter(&buf)
	l.SetFormat(FormatJSON)

	l.WithError(stderrors.New("link closed")).WithField("device", "/dev/ttyACM0").Error("read failed")
	e := decodeLines(t, &buf)[0]
	if e.Level != "ERROR" || e.Logger != "bridge" || e.Message != "read failed" {
		t.Errorf("entry = %+v", e)
	}
	if e.Fields["error"] != "link closed" || e.Fields["device"] != "/dev/ttyACM0" {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestEntryFieldsNotShared(t *testing.T) {
	var buf bytes.Buffer
	l := New("ctl")
	l.SetWriter(&buf)
	l.SetFormat(FormatJSON)

	base := l.WithField("latch", "left")
	base.WithField("command", "close").Info("a")
	base.Info("b")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if _, ok := entries[1].Fields["command"]; ok {
		t.Errorf("derived entry leaked a field into its parent: %v", entries[1].Fields)
	}
	if entries[1].Fields["latch"] != "left" {
		t.Errorf("parent fields lost: %v", entries[1].Fields)
	}
}

func TestJSONOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("sim")
	l.SetWriter(&buf)
	l.SetFormat(FormatJSON)
	l.Info("advance %dms", 20)

	if strings.Contains(buf.String(), `"fields"`) || strings.Contains(buf.String(), `"caller"`) {
		t.Errorf("empty keys written: %s", buf.String())
	}
	if e := decodeLines(t, &buf)[0]; e.Message != "advance 20ms" || e.Timestamp == "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestCallerPointsAtCallSite(t *testing.T) {
	for _, format := range []OutputFormat{FormatText, FormatJSON} {
		var buf bytes.Buffer
		l := newTextLogger("left", &buf)
		l.SetFormat(format)
		l.SetCaller(true)
		l.Info("plain")
		l.WithField("k", 1).Info("entry")

		if n := strings.Count(buf.String(), "logger_test.go:"); n != 2 {
			t.Errorf("format %d: caller shown %d times, want 2:\n%s", format, n, buf.String())
		}
	}
}

func TestWithPrefixSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	root := newTextLogger("latchd", &buf)
	left := root.WithPrefix("left")
	right := root.WithPrefix("right")

	root.SetLevel(WARN)
	left.Info("filtered")
	if buf.Len() != 0 {
		t.Fatalf("derived logger ignored the shared level: %q", buf.String())
	}

	right.SetFormat(FormatJSON)
	left.Warn("stalled")
	e := decodeLines(t, &buf)[0]
	if e.Logger != "left" || e.Message != "stalled" {
		t.Errorf("entry = %+v", e)
	}
	if root.Prefix() != "latchd" || left.Prefix() != "left" {
		t.Errorf("prefixes = %q, %q", root.Prefix(), left.Prefix())
	}
}

func TestSharedOutputSerializesWrites(t *testing.T) {
	var buf bytes.Buffer
	root := New("latchd")
	root.SetWriter(&buf)
	root.SetFormat(FormatJSON)

	var wg sync.WaitGroup
	for _, name := range []string{"left", "right", "api", "bridge"} {
		wg.Add(1)
		go func(l *Logger) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.WithField("i", i).Info("tick")
			}
		}(root.WithPrefix(name))
	}
	wg.Wait()

	if n := len(decodeLines(t, &buf)); n != 200 {
		t.Errorf("got %d intact lines, want 200", n)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.Enabled(ERROR) {
		t.Error("discard logger enables ERROR")
	}
	child := l.WithPrefix("left")
	if child.Enabled(ERROR) {
		t.Error("child of discard logger enables ERROR")
	}
	child.WithError(stderrors.New("x")).Error("dropped")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		" Info ":  INFO,
		"warning": WARN,
		"WARN":    WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if got := LogLevel(9).String(); got != "UNKNOWN" {
		t.Errorf("LogLevel(9).String() = %q", got)
	}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]OutputFormat{
		"json":   FormatJSON,
		" JSON ": FormatJSON,
		"text":   FormatText,
		"yaml":   FormatText,
		"":       FormatText,
	}
	for in, want := range tests {
		if got := ParseFormat(in); got != want {
			t.Errorf("ParseFormat(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	t.Setenv(EnvFormat, "json")
	t.Setenv(EnvCaller, "1")
	t.Setenv("NO_COLOR", "1")

	var buf bytes.Buffer
	l := New("latchd")
	l.SetWriter(&buf)
	l.SetColorize(true)
	ConfigureFromEnv(l)

	if l.GetLevel() != DEBUG {
		t.Errorf("level = %v, want DEBUG", l.GetLevel())
	}
	l.WithPrefix("left").Debug("home switch active")
	e := decodeLines(t, &buf)[0]
	if e.Logger != "left" || e.Caller == "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestConfigureFromEnvKeepsUnsetValues(t *testing.T) {
	t.Setenv(EnvLevel, "")
	t.Setenv(EnvFormat, "")
	t.Setenv(EnvCaller, "")
	t.Setenv("NO_COLOR", "")

	var buf bytes.Buffer
	l := newTextLogger("latchd", &buf)
	l.SetLevel(WARN)
	ConfigureFromEnv(l)

	if l.GetLevel() != WARN {
		t.Errorf("level = %v, want WARN kept", l.GetLevel())
	}
	l.Warn("still text")
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("format changed without %s: %q", EnvFormat, buf.String())
	}
}

func BenchmarkLatchFieldsJSON(b *testing.B) {
	var buf bytes.Buffer
	l := New("left")
	l.SetWriter(&buf)
	l.SetFormat(FormatJSON)
	fields := Fields{"command": "close", "position": 0.0, "target": 100.0}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		l.WithFields(fields).Info("move")
	}
}

func BenchmarkFilteredDebug(b *testing.B) {
	l := Discard().WithPrefix("sim")
	for i := 0; i < b.N; i++ {
		l.Debug("advance %d", i)
	}
}
