// Package logging builds the zerolog logger shared by every tickq component.
//
// Console output is meant for a terminal (short timestamps, colours); JSON
// output is meant for collectors. Components receive a zerolog.Logger and
// derive their own with Component.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const consoleTimeFormat = "15:04:05.000"

// Options selects the output.
type Options struct {
	Level  string
	Format string // "console" (default) or "json"
	Out    io.Writer

	// Var, when set, gates output instead of the logger's own level so the
	// level can be changed later with Var.Set. It is set to Level here.
	Var *LevelVar
}

// New returns a logger writing to opts.Out (stderr if nil).
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	zerolog.ErrorFieldName = "err"
	if strings.EqualFold(opts.Format, "json") {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	} else {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	l := zerolog.New(out)
	if opts.Var != nil {
		opts.Var.Set(ParseLevel(opts.Level))
		l = l.Level(zerolog.TraceLevel).Hook(opts.Var)
	} else {
		l = l.Level(ParseLevel(opts.Level))
	}
	return l.With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown or empty names
// give info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// LevelVar is a minimum level shared by every logger derived from one built
// with Options.Var. The zero value is debug.
type LevelVar struct {
	v atomic.Int32
}

// Set changes the level for all loggers using v.
func (v *LevelVar) Set(l zerolog.Level) { v.v.Store(int32(l)) }

// Level returns the current level.
func (v *LevelVar) Level() zerolog.Level { return zerolog.Level(v.v.Load()) }

// Run implements zerolog.Hook.
func (v *LevelVar) Run(e *zerolog.Event, l zerolog.Level, _ string) {
	if l < v.Level() {
		e.Discard()
	}
}

// Component returns l tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Throttle limits how often a repeated warning is written. Calls that are
// suppressed are counted and the count is reported with the next one that
// gets through.
type Throttle struct {
	lim *rate.Limiter

	mu         sync.Mutex
	suppressed uint64
}

// NewThrottle allows one message per every, with no burst. A non-positive
// every disables throttling.
func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		return &Throttle{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(every), 1)}
}

// Allow reports whether a message may be written now and, if so, how many
// were suppressed since the last one.
func (t *Throttle) Allow() (bool, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lim.Allow() {
		t.suppressed++
		return false, 0
	}
	n := t.suppressed
	t.suppressed = 0
	return true, n
}
