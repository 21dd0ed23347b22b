// Package log builds the zap logger shared by every shipctl command.
//
// Log lines go to stderr so stdout stays reserved for command results
// (text tables or --json documents). The console encoder colours the level
// when the destination is a terminal, which is how CI consoles render the
// "[WARN] probe failed" style lines the old shell scripts printed with
// ANSI escapes.
package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted by --log-level.
const (
	ErrorLevelString   = "error"
	WarningLevelString = "warning"
	InfoLevelString    = "info"
	DebugLevelString   = "debug"

	DefaultLevelString = InfoLevelString
)

// Options configures New.
type Options struct {
	// Level is one of the *LevelString constants. Empty means info.
	Level string

	// Verbose forces the debug level regardless of Level.
	Verbose bool

	// Color selects the coloured level encoder. ColorAuto detects a TTY.
	Color ColorMode

	// Out is the log destination; nil means stderr.
	Out zapcore.WriteSyncer
}

// ColorMode controls colourised log levels.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ParseLevel maps a level name to a zap level.
func ParseLevel(l string) (zapcore.Level, error) {
	switch strings.ToLower(l) {
	case ErrorLevelString:
		return zapcore.ErrorLevel, nil
	case WarningLevelString, "warn":
		return zapcore.WarnLevel, nil
	case InfoLevelString, "":
		return zapcore.InfoLevel, nil
	case DebugLevelString:
		return zapcore.DebugLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (valid: error, warning, info, debug)", l)
	}
}

// New builds a console logger according to opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	out := opts.Out
	if out == nil {
		out = zapcore.Lock(os.Stderr)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""
	if useColor(opts.Color, out) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), out, zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

// useColor resolves ColorAuto by checking whether out is a terminal.
func useColor(mode ColorMode, out zapcore.WriteSyncer) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	f, ok := out.(interface{ Fd() uintptr })
	if !ok {
		// zapcore.Lock hides the *os.File; fall back to stderr, the default.
		f = os.Stderr
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Nop returns a logger that discards everything; used by tests and as a
// safe default for library constructors given a nil logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
