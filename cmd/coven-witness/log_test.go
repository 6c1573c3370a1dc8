// ABOUTME: Tests for colorHandler formatting
// ABOUTME: Color output is disabled so assertions see plain text

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
)

func newTestHandler(t *testing.T, level slog.Level) (*bytes.Buffer, *slog.Logger) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	return &buf, slog.New(&colorHandler{mu: &sync.Mutex{}, out: &buf, level: level})
}

func TestColorHandler_Format(t *testing.T) {
	buf, logger := newTestHandler(t, slog.LevelInfo)

	logger.With("component", "keys").Warn("signing key rotated", "key_id", "k2")

	line := buf.String()
	if !strings.Contains(line, "WRN signing key rotated") {
		t.Errorf("missing level and message: %q", line)
	}
	if !strings.Contains(line, " component=keys") || !strings.Contains(line, " key_id=k2") {
		t.Errorf("missing attrs: %q", line)
	}
	if strings.Index(line, "component=") > strings.Index(line, "key_id=") {
		t.Errorf("handler attrs should precede record attrs: %q", line)
	}
}

func TestColorHandler_Level(t *testing.T) {
	buf, logger := newTestHandler(t, slog.LevelWarn)

	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}

	logger.Error("shown")
	if !strings.Contains(buf.String(), "ERR shown") {
		t.Errorf("expected error line, got %q", buf.String())
	}
}

func TestColorHandler_Groups(t *testing.T) {
	buf, logger := newTestHandler(t, slog.LevelInfo)

	logger.WithGroup("redis").Info("breaker opened", "failures", 5, slog.Group("window", "seconds", 60))

	line := buf.String()
	if !strings.Contains(line, " redis.failures=5") {
		t.Errorf("group prefix missing: %q", line)
	}
	if !strings.Contains(line, " redis.window.seconds=60") {
		t.Errorf("nested group missing: %q", line)
	}
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"separate", []string{"--reason", "suspected leak"}, "suspected leak", false},
		{"equals", []string{"--reason=scheduled drill"}, "scheduled drill", false},
		{"short", []string{"-r", "drill"}, "drill", false},
		{"missing", nil, "", true},
		{"missing value", []string{"--reason"}, "", true},
		{"blank", []string{"--reason", "   "}, "", true},
		{"unknown flag", []string{"--force"}, "", true},
		{"stray arg", []string{"now"}, "", true},
		{"too long", []string{"--reason", strings.Repeat("x", 201)}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReason(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseReason(%q) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseReason(%q) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}
