// Package logger is the error-log sink named in spec §1/§7: a pair of
// logrus-backed destinations (an append-only info sink and an
// append-only error sink) plus a small sticky-diagnostic registry that
// lets ops tooling poll "has an FsyncError/... happened"
// without scraping log text.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// Logger mirrors InfoLogger; kept for call sites that predate the
	// info/error split and don't care which sink they land in.
	Logger *logrus.Logger
	// InfoLogger carries ordinary progress diagnostics (rotation,
	// recovery scan results, purge sweeps).
	InfoLogger *logrus.Logger
	// ErrorLogger carries the sticky-flag diagnostics recorded through
	// RecordSticky (FsyncError, PurgeStatError, IndexInconsistency and
	// torn xidlog slots) and Error/Errorf output. CacheFull, WriteIOError
	// and RotationError are not written here.
	ErrorLogger *logrus.Logger
)

// LogConfig configures the two on-disk sinks.
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// Diagnostic is one sticky-flag occurrence: the taxonomy kind (as
// produced by (binlog.Kind).String()), when it last fired, and its
// cause. Kinds are carried as plain strings here rather than an
// imported enum so this package never has to import server/binlog —
// server/binlog imports logger, not the reverse.
type Diagnostic struct {
	Kind string
	At   time.Time
	Err  error
}

var (
	stickyMu sync.Mutex
	sticky   map[string]Diagnostic
)

// RecordSticky logs cause (or, if nil, msg alone) to ErrorLogger tagged
// with kind, and latches it into the sticky registry so LastSticky can
// report it later even if the log itself has rotated away.
func RecordSticky(kind string, cause error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if ErrorLogger != nil {
		entry := ErrorLogger.WithField("kind", kind)
		if cause != nil {
			entry.Errorf("%s: %v", msg, cause)
		} else {
			entry.Error(msg)
		}
	}
	stickyMu.Lock()
	if sticky == nil {
		sticky = make(map[string]Diagnostic)
	}
	sticky[kind] = Diagnostic{Kind: kind, At: timeNow(), Err: cause}
	stickyMu.Unlock()
}

// timeNow is a seam so tests can stub the clock without reaching for a
// global monotonic source elsewhere in the tree.
var timeNow = time.Now

// LastSticky reports the most recent diagnostic recorded for kind, if
// any has fired since process start.
func LastSticky(kind string) (Diagnostic, bool) {
	stickyMu.Lock()
	defer stickyMu.Unlock()
	d, ok := sticky[kind]
	return d, ok
}

// Stickies returns a snapshot of every kind that has fired at least
// once, for a health-check endpoint to enumerate.
func Stickies() map[string]Diagnostic {
	stickyMu.Lock()
	defer stickyMu.Unlock()
	out := make(map[string]Diagnostic, len(sticky))
	for k, v := range sticky {
		out[k] = v
	}
	return out
}

// CustomFormatter renders entries as a bracketed timestamp/level/caller
// triplet ahead of the message, matching the server's error-log shape.
type CustomFormatter struct {
	TimestampFormat string
}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.timestampFormat())
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	caller := callerFrame()
	var kindSuffix string
	if kind, ok := entry.Data["kind"]; ok {
		kindSuffix = fmt.Sprintf(" {%v}", kind)
	}
	return []byte(fmt.Sprintf("[%s] [%s] (%s)%s %s\n", timestamp, level, caller, kindSuffix, entry.Message)), nil
}

func (f *CustomFormatter) timestampFormat() string {
	if f.TimestampFormat != "" {
		return f.TimestampFormat
	}
	return "15:04:05 MST 2006/01/02"
}

// callerFrame walks past this package's own frames and logrus's
// internals to find the first caller outside both.
func callerFrame() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "sirupsen") ||
			strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), runtime.FuncForPC(pc).Name(), line)
	}
	return "unknown:unknown:0"
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger wires the two sinks from config. A sink whose path can't
// be opened falls back to the matching stream (stdout for info,
// stderr for error) rather than failing startup over a log-rotation
// problem external to the binlog itself.
func InitLogger(config LogConfig) error {
	formatter := &CustomFormatter{}
	level := parseLogLevel(config.LogLevel)

	InfoLogger = newSink(level, formatter, config.InfoLogPath, os.Stdout, "info")
	ErrorLogger = newSink(level, formatter, config.ErrorLogPath, os.Stderr, "error")
	Logger = InfoLogger
	return nil
}

func newSink(level logrus.Level, formatter logrus.Formatter, path string, fallback *os.File, name string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter)

	if path == "" {
		l.SetOutput(fallback)
		return l
	}
	f, err := openLogFile(path)
	if err != nil {
		l.SetOutput(fallback)
		l.Warnf("could not open %s log file %s, writing to %s instead: %v", name, path, fallback.Name(), err)
		return l
	}
	l.SetOutput(io.MultiWriter(fallback, f))
	return l
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

func Info(args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Infof(format, args...)
	}
}

func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Error and Errorf are for error-sink diagnostics that don't carry one
// of the §7 taxonomy kinds; use RecordSticky for those.
func Error(args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Errorf(format, args...)
	}
}
