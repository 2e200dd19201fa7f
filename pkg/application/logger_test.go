package application

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultLogger(t *testing.T) {
	logger := DefaultLogger()
	if logger == nil {
		t.Fatal("DefaultLogger returned nil")
	}
	logger.ErrorPrintf("test error %d", 1)
	logger.WarnPrintf("test warn %s", "msg")
	logger.InfoPrintf("test info")
	logger.DebugPrintf("test debug")

	base := errors.New("boom")
	err := logger.Errorf("open channel: %w", base)
	if !errors.Is(err, base) {
		t.Errorf("Errorf = %v; want wrapping %v", err, base)
	}
	if got := err.Error(); got != "application: open channel: boom" {
		t.Errorf("Errorf = %q; want %q", got, "application: open channel: boom")
	}
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := SlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.ErrorPrintf("error %d", 1)
	logger.WarnPrintf("warn %s", "msg")
	logger.InfoPrintf("info")
	logger.DebugPrintf("debug")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d log lines; want 4:\n%s", len(lines), buf.String())
	}
	for i, want := range []string{
		`level=ERROR msg="application: error 1"`,
		`level=WARN msg="application: warn msg"`,
		`level=INFO msg="application: info"`,
		`level=DEBUG msg="application: debug"`,
	} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %q; want it to contain %q", i, lines[i], want)
		}
	}
}

func TestSlogLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := SlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	logger.InfoPrintf("hidden %d", 1)
	logger.DebugPrintf("hidden")
	logger.WarnPrintf("shown")

	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("got %d lines; want 1:\n%s", got, buf.String())
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("filtered levels were logged:\n%s", buf.String())
	}
}
