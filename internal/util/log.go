package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Logger is the logging capability handed to the engine and its links.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Level is a runtime log level.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelOff:
		return "off"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off", "none", "disabled":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ──────────────────────────────────────────────────────────────────────────────
// pterm backend
// ──────────────────────────────────────────────────────────────────────────────

// PtermLogger writes human-readable log lines through a pterm logger.
type PtermLogger struct {
	level atomic.Int32
	l     *pterm.Logger
}

// NewPtermLogger returns a pterm-backed logger at the given level. A nil w
// keeps pterm's default output.
func NewPtermLogger(level Level, w io.Writer) *PtermLogger {
	l := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	if w != nil {
		l = l.WithWriter(w)
	}
	p := &PtermLogger{l: l}
	p.SetLevel(level)
	return p
}

// SetLevel changes the level at runtime.
func (p *PtermLogger) SetLevel(level Level) { p.level.Store(int32(level)) }

func (p *PtermLogger) enabled(level Level) bool { return Level(p.level.Load()) <= level }

func (p *PtermLogger) Debugf(format string, args ...any) {
	if p.enabled(LevelDebug) {
		p.l.Debug(fmt.Sprintf(format, args...))
	}
}

func (p *PtermLogger) Infof(format string, args ...any) {
	if p.enabled(LevelInfo) {
		p.l.Info(fmt.Sprintf(format, args...))
	}
}

func (p *PtermLogger) Warnf(format string, args ...any) {
	if p.enabled(LevelWarn) {
		p.l.Warn(fmt.Sprintf(format, args...))
	}
}

func (p *PtermLogger) Errorf(format string, args ...any) {
	if p.enabled(LevelError) {
		p.l.Error(fmt.Sprintf(format, args...))
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// zerolog backend
// ──────────────────────────────────────────────────────────────────────────────

// ZerologLogger writes one JSON object per line.
type ZerologLogger struct {
	level atomic.Int32
	l     zerolog.Logger
}

// NewZerologLogger returns a JSON logger tagged with app. A nil w writes to stderr.
func NewZerologLogger(app string, level Level, w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	z := &ZerologLogger{l: zerolog.New(w).With().Timestamp().Str("app", app).Logger()}
	z.SetLevel(level)
	return z
}

// SetLevel changes the level at runtime.
func (z *ZerologLogger) SetLevel(level Level) { z.level.Store(int32(level)) }

func (z *ZerologLogger) enabled(level Level) bool { return Level(z.level.Load()) <= level }

func (z *ZerologLogger) Debugf(format string, args ...any) {
	if z.enabled(LevelDebug) {
		z.l.Debug().Msgf(format, args...)
	}
}

func (z *ZerologLogger) Infof(format string, args ...any) {
	if z.enabled(LevelInfo) {
		z.l.Info().Msgf(format, args...)
	}
}

func (z *ZerologLogger) Warnf(format string, args ...any) {
	if z.enabled(LevelWarn) {
		z.l.Warn().Msgf(format, args...)
	}
}

func (z *ZerologLogger) Errorf(format string, args ...any) {
	if z.enabled(LevelError) {
		z.l.Error().Msgf(format, args...)
	}
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}

// NewLogger builds the logger selected by format ("pretty" or "json").
func NewLogger(format string, level Level) (Logger, error) {
	switch strings.ToLower(format) {
	case "", "pretty":
		return NewPtermLogger(level, nil), nil
	case "json":
		return NewZerologLogger("fraglink", level, nil), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// ──────────────────────────────────────────────────────────────────────────────
// Process-wide logger used by the CLI
// ──────────────────────────────────────────────────────────────────────────────

type loggerBox struct{ l Logger }

var std atomic.Pointer[loggerBox]

func init() { std.Store(&loggerBox{NewPtermLogger(LevelInfo, nil)}) }

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) { std.Store(&loggerBox{l}) }

// Default returns the process-wide logger.
func Default() Logger { return std.Load().l }

func LogDebug(format string, args ...any)   { Default().Debugf(format, args...) }
func LogInfo(format string, args ...any)    { Default().Infof(format, args...) }
func LogWarning(format string, args ...any) { Default().Warnf(format, args...) }
func LogError(format string, args ...any)   { Default().Errorf(format, args...) }

// LogSuccess prints a highlighted success line regardless of backend.
func LogSuccess(format string, args ...any) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}
