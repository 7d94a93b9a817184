package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormLogger routes gorm's logging through slog.
type GormLogger struct {
	log      *slog.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger creates a GormLogger at Info level.
func NewGormLogger(l *slog.Logger) *GormLogger {
	if l == nil {
		l = slog.Default()
	}
	return &GormLogger{log: l, LogLevel: logger.Info}
}

// LogMode returns a copy of the logger with a new level.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.log.InfoContext(ctx, msg, "data", data)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.log.WarnContext(ctx, msg, "data", data)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.log.ErrorContext(ctx, msg, "data", data)
	}
}

// Trace logs failed and slow statements; successful ones only at Info.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"sql", sql,
		"rows", rows,
		"duration_ms", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.log.ErrorContext(ctx, "sql failed", append(fields, "error", err)...)
	case elapsed > time.Second && l.LogLevel >= logger.Warn:
		l.log.WarnContext(ctx, "slow sql", append(fields, "threshold", "1s")...)
	case l.LogLevel == logger.Info:
		l.log.DebugContext(ctx, "sql", fields...)
	}
}
