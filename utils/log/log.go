// Package log implements a small leveled logger in the style used
// throughout the relay/gateway codebase: a package-level value per level
// (T, D, I, W, E, F) each exposing Ln (space-joined) and F (printf-style)
// methods, gated by a runtime-settable threshold.
package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// Level identifies a logging severity.
type Level int32

const (
	Off Level = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var names = map[Level]string{
	Fatal: "fatal",
	Error: "error",
	Warn:  "warn",
	Info:  "info",
	Debug: "debug",
	Trace: "trace",
}

// ParseLevel maps a config string (as found in ORLY_LOG_LEVEL-style env
// vars) onto a Level, defaulting to Info on an unrecognised value.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal":
		return Fatal
	case "error":
		return Error
	case "warn", "warning":
		return Warn
	case "info":
		return Info
	case "debug":
		return Debug
	case "trace":
		return Trace
	case "off", "none":
		return Off
	default:
		return Info
	}
}

var threshold atomic.Int32

func init() { threshold.Store(int32(Info)) }

// SetLevel sets the package-wide minimum level that will be emitted.
func SetLevel(l Level) { threshold.Store(int32(l)) }

// Writer is where log output is sent; tests may swap this out.
var Writer io.Writer = os.Stderr

// logger is a bound level that writes tagged, colored lines to Writer.
type logger struct {
	level Level
	color *color.Color
}

func (l logger) enabled() bool { return Level(threshold.Load()) >= l.level }

func (l logger) Ln(a ...any) {
	if !l.enabled() {
		return
	}
	l.emit(fmt.Sprintln(a...))
}

func (l logger) F(format string, a ...any) {
	if !l.enabled() {
		return
	}
	l.emit(fmt.Sprintf(format, a...) + "\n")
}

func (l logger) emit(msg string) {
	_, file, line, _ := runtime.Caller(2)
	prefix := l.color.Sprintf("[%s]", names[l.level])
	fmt.Fprintf(
		Writer, "%s %s %s:%d %s", time.Now().Format(time.RFC3339), prefix,
		trimPath(file), line, msg,
	)
}

func trimPath(file string) string {
	if i := strings.LastIndex(file, "/"); i >= 0 {
		if j := strings.LastIndex(file[:i], "/"); j >= 0 {
			return file[j+1:]
		}
	}
	return file
}

var (
	// F logs fatal conditions.
	F = logger{Fatal, color.New(color.FgRed, color.Bold)}
	// E logs errors.
	E = logger{Error, color.New(color.FgRed)}
	// W logs warnings.
	W = logger{Warn, color.New(color.FgYellow)}
	// I logs informational messages.
	I = logger{Info, color.New(color.FgCyan)}
	// D logs debug detail.
	D = logger{Debug, color.New(color.FgBlue)}
	// T logs fine-grained tracing.
	T = logger{Trace, color.New(color.FgMagenta)}
)
