package tenantdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface for pool logging
type Logger interface {
	Log(ctx context.Context, level LogLevel, msg string, data map[string]interface{})
}

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a level name as printed by String, case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LogLevelTrace, nil
	case "DEBUG":
		return LogLevelDebug, nil
	case "", "INFO":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR":
		return LogLevelError, nil
	case "NONE", "OFF":
		return LogLevelNone, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NopLogger discards everything. It is the default so the pool stays silent
// unless a logger is configured with WithLogger.
type NopLogger struct{}

// Log implements the Logger interface
func (NopLogger) Log(context.Context, LogLevel, string, map[string]interface{}) {}

// ZapLogger adapts a *zap.Logger to the Logger interface.
// zap has no trace level, so trace messages are written at debug.
type ZapLogger struct {
	logger   *zap.Logger
	minLevel LogLevel
}

// NewZapLogger wraps an existing zap logger. Filtering is left to the zap core.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger, minLevel: LogLevelTrace}
}

// NewDefaultLogger creates a zap production logger that drops messages below minLevel.
func NewDefaultLogger(minLevel LogLevel) *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(minLevel))
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("tenantdb"), minLevel: minLevel}
}

// Log implements the Logger interface
func (l *ZapLogger) Log(ctx context.Context, level LogLevel, msg string, data map[string]interface{}) {
	if level < l.minLevel || level >= LogLevelNone {
		return
	}

	fields := make([]zap.Field, 0, len(data)+1)
	if level == LogLevelTrace {
		fields = append(fields, zap.Bool("trace", true))
	}
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}

	if ce := l.logger.Check(zapLevel(level), msg); ce != nil {
		ce.Write(fields...)
	}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelTrace, LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

// pgxLoggerAdapter adapts our Logger interface to pgx's tracelog.Logger interface
type pgxLoggerAdapter struct {
	logger Logger
}

func (a *pgxLoggerAdapter) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	a.logger.Log(ctx, convertFromPgxLogLevel(level), msg, data)
}

// convertLogLevel converts our LogLevel to pgx's tracelog.LogLevel
func convertLogLevel(level LogLevel) tracelog.LogLevel {
	switch level {
	case LogLevelTrace:
		return tracelog.LogLevelTrace
	case LogLevelDebug:
		return tracelog.LogLevelDebug
	case LogLevelInfo:
		return tracelog.LogLevelInfo
	case LogLevelWarn:
		return tracelog.LogLevelWarn
	case LogLevelError:
		return tracelog.LogLevelError
	case LogLevelNone:
		return tracelog.LogLevelNone
	default:
		return tracelog.LogLevelInfo
	}
}

// convertFromPgxLogLevel converts pgx's tracelog.LogLevel to our LogLevel
func convertFromPgxLogLevel(level tracelog.LogLevel) LogLevel {
	switch level {
	case tracelog.LogLevelTrace:
		return LogLevelTrace
	case tracelog.LogLevelDebug:
		return LogLevelDebug
	case tracelog.LogLevelInfo:
		return LogLevelInfo
	case tracelog.LogLevelWarn:
		return LogLevelWarn
	case tracelog.LogLevelError:
		return LogLevelError
	case tracelog.LogLevelNone:
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}

// gooseLogger adapts Logger to goose's Printf/Fatalf logger. Fatalf is
// logged at error level and never exits the process.
type gooseLogger struct {
	ctx    context.Context
	logger Logger
}

func (g *gooseLogger) Printf(format string, v ...interface{}) {
	g.logger.Log(g.ctx, LogLevelInfo, strings.TrimSpace(fmt.Sprintf(format, v...)), map[string]interface{}{
		"target": "migrations",
	})
}

func (g *gooseLogger) Fatalf(format string, v ...interface{}) {
	g.logger.Log(g.ctx, LogLevelError, strings.TrimSpace(fmt.Sprintf(format, v...)), map[string]interface{}{
		"target": "migrations",
	})
}
