package application

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger is the printf-style logger the application logs through.
type Logger interface {
	ErrorPrintf(format string, args ...any)
	WarnPrintf(format string, args ...any)
	InfoPrintf(format string, args ...any)
	DebugPrintf(format string, args ...any)
	Errorf(format string, args ...any) error
}

const logPrefix = "application: "

// DefaultLogger logs to slog.Default() as it is at the time of each call.
func DefaultLogger() Logger {
	return printfLogger{slog.Default}
}

// SlogLogger logs to l.
func SlogLogger(l *slog.Logger) Logger {
	return printfLogger{func() *slog.Logger { return l }}
}

type printfLogger struct {
	logger func() *slog.Logger
}

// logf formats only when the level is enabled.
func (p printfLogger) logf(level slog.Level, format string, args []any) {
	l := p.logger()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, logPrefix+fmt.Sprintf(format, args...))
}

func (p printfLogger) ErrorPrintf(format string, args ...any) {
	p.logf(slog.LevelError, format, args)
}

func (p printfLogger) WarnPrintf(format string, args ...any) {
	p.logf(slog.LevelWarn, format, args)
}

func (p printfLogger) InfoPrintf(format string, args ...any) {
	p.logf(slog.LevelInfo, format, args)
}

func (p printfLogger) DebugPrintf(format string, args ...any) {
	p.logf(slog.LevelDebug, format, args)
}

func (printfLogger) Errorf(format string, args ...any) error {
	return fmt.Errorf(logPrefix+format, args...)
}
