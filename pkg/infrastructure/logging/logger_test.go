package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferLogger(level LogLevel, format LogFormat) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&Config{Level: level, Format: format, Output: &buf}), &buf
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(WarnLevel, TextFormat)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Fatalf("below-threshold levels produced output: %q", buf.String())
	}

	logger.Warn("warn message")
	logger.Error("error message")
	out := buf.String()
	if !strings.Contains(out, "[WARN] warn message") {
		t.Errorf("output missing warn entry: %q", out)
	}
	if !strings.Contains(out, "[ERROR] error message") {
		t.Errorf("output missing error entry: %q", out)
	}
}

func TestSetLevelTakesEffect(t *testing.T) {
	logger, buf := newBufferLogger(InfoLevel, TextFormat)

	logger.Debug("before")
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %q", buf.String())
	}

	logger.SetLevel(DebugLevel)
	logger.Debug("after")
	if !strings.Contains(buf.String(), "after") {
		t.Errorf("debug entry missing after SetLevel: %q", buf.String())
	}
}

func TestTextFormatIncludesFields(t *testing.T) {
	logger, buf := newBufferLogger(InfoLevel, TextFormat)

	logger.Info("cache warmed", map[string]interface{}{"cache_key": "flow:conv-1"})

	out := buf.String()
	if !strings.Contains(out, "cache warmed") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "cache_key=flow:conv-1") {
		t.Errorf("output missing field: %q", out)
	}
}

func TestJSONFormatProducesParsableEntries(t *testing.T) {
	logger, buf := newBufferLogger(InfoLevel, JSONFormat)

	logger.Info("sampling complete", map[string]interface{}{"indexes": 3})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal(%q) error = %v", buf.String(), err)
	}
	if entry.Level != "INFO" {
		t.Errorf("entry level = %s, want INFO", entry.Level)
	}
	if entry.Message != "sampling complete" {
		t.Errorf("entry message = %q, want %q", entry.Message, "sampling complete")
	}
	if got, ok := entry.Fields["indexes"].(float64); !ok || got != 3 {
		t.Errorf("entry field indexes = %v, want 3", entry.Fields["indexes"])
	}
}

func TestWithComponentTagsEntries(t *testing.T) {
	logger, buf := newBufferLogger(InfoLevel, TextFormat)

	logger.WithComponent("warming").Info("cycle complete")
	if !strings.Contains(buf.String(), "component=warming") {
		t.Errorf("output missing component field: %q", buf.String())
	}
}

func TestFieldLoggerCarriesFields(t *testing.T) {
	logger, buf := newBufferLogger(InfoLevel, TextFormat)

	logger.WithField("alert_id", "a1").WithField("action", "reindex").Info("maintenance approved")

	out := buf.String()
	if !strings.Contains(out, "alert_id=a1") || !strings.Contains(out, "action=reindex") {
		t.Errorf("output missing field-logger fields: %q", out)
	}
}

func TestErrorfFormatsMessage(t *testing.T) {
	logger, buf := newBufferLogger(ErrorLevel, TextFormat)

	logger.Errorf("sample failed: %v", "connection refused")
	if !strings.Contains(buf.String(), "sample failed: connection refused") {
		t.Errorf("output missing formatted message: %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"info", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"ERROR", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
