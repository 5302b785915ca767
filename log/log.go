// Package log provides leveled, colorized logging in the style the rest of
// this module's lineage uses: a message plus alternating key/value pairs,
// e.g. log.Info("batch committed", "index", name, "records", n).
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging level, ordered from most to least severe.
type Lvl int

const (
	LvlError Lvl = iota
	LvlWarn
	LvlInfo
	LvlDebug
)

func (l Lvl) String() string {
	switch l {
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	default:
		return "?"
	}
}

var levelColor = map[Lvl]func(aurora.Aurora, interface{}) aurora.Value{
	LvlError: aurora.Aurora.Red,
	LvlWarn:  aurora.Aurora.Yellow,
	LvlInfo:  aurora.Aurora.Green,
	LvlDebug: aurora.Aurora.Cyan,
}

// Logger is a minimal leveled logger. The package-level functions below
// operate on a shared default instance; tests and long-running components
// may construct their own with New to redirect output or attach a fixed
// set of key/value pairs (With).
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	color    bool
	level    Lvl
	ctx      []interface{}
	nowForTS func() time.Time
}

func New(w io.Writer) *Logger {
	color := false
	out := w
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		out = colorable.NewColorable(f)
	}
	return &Logger{
		out:      out,
		color:    color,
		level:    LvlInfo,
		nowForTS: time.Now,
	}
}

var std = New(os.Stderr)

// SetLevel adjusts the minimum level emitted by the default logger.
func SetLevel(l Lvl) { std.SetLevel(l) }

func (l *Logger) SetLevel(lvl Lvl) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

// With returns a derived Logger that always includes the given key/value
// pairs, the way a Scrubber or OnlineIndexer tags every line with its index
// name.
func (l *Logger) With(ctx ...interface{}) *Logger {
	n := &Logger{out: l.out, color: l.color, level: l.level, nowForTS: l.nowForTS}
	n.ctx = append(append([]interface{}{}, l.ctx...), ctx...)
	return n
}

func (l *Logger) log(lvl Lvl, msg string, kv []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl > l.level {
		return
	}
	ts := l.nowForTS().UTC().Format("2006-01-02T15:04:05.000Z")
	var b strings.Builder
	fmt.Fprintf(&b, "%s ", ts)
	au := aurora.NewAurora(l.color)
	fmt.Fprintf(&b, "%s", levelColor[lvl](au, fmt.Sprintf("%-5s", lvl)))
	fmt.Fprintf(&b, " %s", msg)
	all := append(append([]interface{}{}, l.ctx...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(&b, " %v=%s", all[len(all)-1], "MISSING")
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(l.out, b.String())
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LvlDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LvlInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LvlWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LvlError, msg, kv) }

func Debug(msg string, kv ...interface{}) { std.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { std.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { std.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { std.Error(msg, kv...) }
func With(kv ...interface{}) *Logger      { return std.With(kv...) }

// Caller returns the formatted call site two frames up, used when attaching
// origin information to an Internal-kind error's log line.
func Caller() string {
	c := stack.Caller(2)
	return fmt.Sprintf("%+v", c)
}
