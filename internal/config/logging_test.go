package config

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{" TRACE ", LevelTrace},
		{"Debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel(\"verbose\") should fail")
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if got := a.Value.String(); got != "TRACE" {
		t.Errorf("trace level rendered as %q", got)
	}

	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if got := a.Value.Any(); got != slog.LevelInfo {
		t.Errorf("info level rewritten to %v", got)
	}
}

func TestReplaceLogLevelNames_OtherKeys(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any("priority", LevelTrace))
	if _, ok := a.Value.Any().(slog.Level); !ok {
		t.Errorf("non-level attribute rewritten to %v", a.Value)
	}
}
