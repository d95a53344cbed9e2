package xlog

import (
	"bufio"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

var defaultOutput io.Writer = os.Stderr

// Formatter defines log-format (printer) interface.
type Formatter interface {
	WriteFlush(pkg string, lvl LogLevel, txt string)
	SetDebug(debug bool)
	Flush()
}

type globalLogger struct {
	mu        sync.Mutex
	loggers   map[string]*Logger
	formatter Formatter
	maxLevel  LogLevel
}

var xlogger = &globalLogger{
	loggers:  make(map[string]*Logger),
	maxLevel: INFO,
}

// SetFormatter sets the formatting function for all logs.
func SetFormatter(f Formatter) {
	xlogger.mu.Lock()
	xlogger.formatter = f
	xlogger.mu.Unlock()
}

// SetDebug toggles debug-level output on the current Formatter.
func SetDebug(debug bool) {
	xlogger.mu.Lock()
	xlogger.formatter.SetDebug(debug)
	xlogger.mu.Unlock()
}

// SetGlobalMaxLogLevel sets the default max level for loggers that
// haven't called SetMaxLogLevel themselves.
func SetGlobalMaxLogLevel(lvl LogLevel) {
	xlogger.mu.Lock()
	xlogger.maxLevel = lvl
	xlogger.mu.Unlock()
}

type stdLogWriter struct {
	l *Logger
}

func (s stdLogWriter) Write(b []byte) (int, error) {
	s.l.log(INFO, string(b))
	return len(b), nil
}

func init() {
	// route the standard "log" package through xlog so third-party
	// code that calls log.Printf still lands in the same formatter.
	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(stdLogWriter{l: NewLogger("")})

	SetFormatter(NewDefaultFormatter(defaultOutput, false))
}

type defaultFormatter struct {
	w     *bufio.Writer
	debug bool
}

// NewDefaultFormatter returns a Formatter that writes timestamped,
// level-tagged, package-prefixed lines to w.
func NewDefaultFormatter(w io.Writer, debug bool) Formatter {
	return &defaultFormatter{
		w:     bufio.NewWriter(w),
		debug: debug,
	}
}

func (ft *defaultFormatter) WriteFlush(pkg string, lvl LogLevel, txt string) {
	if !ft.debug && lvl == DEBUG {
		return
	}

	ft.w.WriteString(time.Now().String()[:26])
	ft.w.WriteString(" " + lvl.String() + " | ")
	if pkg != "" {
		ft.w.WriteString(pkg + ": ")
	}

	ft.w.WriteString(txt)

	if !strings.HasSuffix(txt, "\n") {
		ft.w.WriteString("\n")
	}

	ft.w.Flush()
}

func (ft *defaultFormatter) SetDebug(debug bool) {
	ft.debug = debug
}

func (ft *defaultFormatter) Flush() {
	ft.w.Flush()
}
