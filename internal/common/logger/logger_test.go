package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf)

	log.Info("fragment served", "agency", "nmbs", "error", errors.New("boom"), "count", 3)

	out := buf.String()
	for _, want := range []string{`"agency":"nmbs"`, `"error":"boom"`, `"count":3`, `"message":"fragment served"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}

func TestNop(t *testing.T) {
	Nop().Error("ignored", "key", "value")
}
