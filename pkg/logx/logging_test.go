package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFormatRecord(t *testing.T) {
	t.Parallel()

	got := formatRecord([]byte(`{"level":"warn","time":"x","message":"delivery failed","comp":"dispatch","address":"5511@c.us"}`))
	want := "[WARN] delivery failed\n- address=5511@c.us\n- comp=dispatch"
	if got != want {
		t.Fatalf("formatRecord() = %q, want %q", got, want)
	}

	raw := formatRecord([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("formatRecord(raw) = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate() = %q", got)
	}
	got := truncate(strings.Repeat("a", 50), 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate() = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger IsZero() = false")
	}
	l.Info("dropped", String("k", "v"))
	Nop().With(Int("n", 1)).Error("dropped")
}

func TestLoggerWritesCallerAndFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{fixed: &zl}.With(String("comp", "dispatch"))

	l.Warn("delivery failed", Err(nil), String("address", "5511@c.us"))
	line := buf.String()
	for _, want := range []string{`"comp":"dispatch"`, `"address":"5511@c.us"`, `"caller":"logging_test.go:`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %s missing %s", line, want)
		}
	}
	if strings.Contains(line, `"error"`) || strings.Contains(line, `"err"`) {
		t.Fatalf("nil error logged: %s", line)
	}

	buf.Reset()
	l.Error("bridge down", Err(errors.New("refused")))
	if !strings.Contains(buf.String(), "refused") {
		t.Fatalf("error missing: %s", buf.String())
	}
}
