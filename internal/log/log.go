package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     *zap.SugaredLogger
	atomLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggerOnce sync.Once
	loggerMu   sync.RWMutex
	format     = "console"
)

// initLogger builds the global zap logger on first use. Output goes to stderr;
// the level can be raised or lowered at runtime through SetLevel.
func initLogger() {
	loggerOnce.Do(func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		logger = build(format)
	})
}

func build(f string) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if f == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atomLevel)
	return zap.New(core).Sugar()
}

// Configure switches the output format ("json" or "console") and level.
// It is meant to be called once from main after the config is loaded.
func Configure(level Level, outputFormat string) {
	initLogger()
	SetLevel(level)

	outputFormat = strings.ToLower(strings.TrimSpace(outputFormat))
	if outputFormat == "" {
		return
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if outputFormat == format {
		return
	}
	format = outputFormat
	old := logger
	logger = build(outputFormat)
	_ = old.Sync()
}

func SetLevel(l Level) {
	switch Level(strings.ToUpper(string(l))) {
	case LevelDebug:
		atomLevel.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		atomLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		atomLevel.SetLevel(zapcore.ErrorLevel)
	default:
		atomLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered log entries. Call before exit.
func Sync() {
	_ = current().Sync()
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, sanitize(kv)...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, sanitize(kv)...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, sanitize(kv)...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", errString(err)}, kv...)
	current().Errorw(msg, sanitize(extended)...)
}

// Logger is a child logger carrying fixed key/value pairs, e.g. a job id.
type Logger struct {
	s *zap.SugaredLogger
}

// With returns a child logger that prefixes every entry with kv.
func With(kv ...any) *Logger {
	return &Logger{s: current().With(sanitize(kv)...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.s.Debugw(msg, sanitize(kv)...) }
func (l *Logger) Info(msg string, kv ...any)  { l.s.Infow(msg, sanitize(kv)...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, sanitize(kv)...) }

func (l *Logger) Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", errString(err)}, kv...)
	l.s.Errorw(msg, sanitize(extended)...)
}

func current() *zap.SugaredLogger {
	initLogger()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// sanitize drops a trailing odd value and non-string keys so that a sloppy
// call site cannot make zap log a DPANIC.
func sanitize(kv []any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, key, kv[i+1])
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// RedactURL hides the path and query of a URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "url://...(redacted)"
	}
	rest := u[i+3:]
	j := strings.IndexByte(rest, '/')
	if j == -1 {
		j = len(rest)
	}
	if q := strings.IndexByte(rest[:j], '?'); q != -1 {
		j = q
	}
	host := rest[:j]
	if at := strings.LastIndexByte(host, '@'); at != -1 {
		host = host[at+1:]
	}
	return u[:i+3] + host + redactedSuffix
}
