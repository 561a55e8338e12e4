package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrettyFormatter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", true)

	log.WithFields(logrus.Fields{"peer": "bob", "kind": "text"}).Warn("Channel closed")

	line := buf.String()
	if !strings.Contains(line, "WARN  Channel closed") {
		t.Errorf("expected level and message, got %q", line)
	}
	if !strings.HasSuffix(line, " kind=text peer=bob\n") {
		t.Errorf("expected sorted fields, got %q", line)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"nonsense", logrus.InfoLevel},
	}

	for _, tt := range tests {
		if got := NewLogger(tt.level).Level; got != tt.expected {
			t.Errorf("NewLogger(%q) level = %s, expected %s", tt.level, got, tt.expected)
		}
	}
}

func TestColorizedLevel(t *testing.T) {
	f := &PrettyFormatter{}
	if got := f.colorizeLevel(logrus.ErrorLevel); !strings.HasPrefix(got, colorRed) {
		t.Errorf("expected red error level, got %q", got)
	}
}
