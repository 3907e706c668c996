package utils

import (
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", DEBUG, false},
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"", INFO, false},
		{"warn", WARN, false},
		{"Warning", WARN, false},
		{"error", ERROR, false},
		{" error ", ERROR, false},
		{"trace", INFO, true},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{LogLevel(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLogLevelCharmMapping(t *testing.T) {
	for _, level := range []LogLevel{DEBUG, INFO, WARN, ERROR} {
		if got := fromCharm(level.charm()); got != level {
			t.Errorf("round trip of %v gave %v", level, got)
		}
	}
	if fromCharm(log.FatalLevel) != ERROR {
		t.Error("fatal should collapse to ERROR")
	}
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    LogFormat
		wantErr bool
	}{
		{"text", FormatText, false},
		{"", FormatText, false},
		{"JSON", FormatJSON, false},
		{"logfmt", FormatLogfmt, false},
		{"xml", FormatText, true},
	}
	for _, tt := range tests {
		got, err := ParseLogFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogFormat(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
