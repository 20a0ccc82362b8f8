package memgo

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/memgo/backup"
)

// Logger wraps slog.Logger with memgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithID adds a record id field to the logger (useful for tagging operations).
func (l *Logger) WithID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// WithType adds a record type field to the logger.
func (l *Logger) WithType(typ string) *Logger {
	return &Logger{
		Logger: l.Logger.With("type", typ),
	}
}

// LogStore logs a store operation.
func (l *Logger) LogStore(ctx context.Context, id, typ string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "store failed",
			"id", id,
			"type", typ,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "store completed",
			"id", id,
			"type", typ,
		)
	}
}

// LogUpdate logs an update operation.
func (l *Logger) LogUpdate(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "update completed",
			"id", id,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, existed bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
			"existed", existed,
		)
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"results", resultsFound,
		)
	}
}

// LogRelate logs a relate operation.
func (l *Logger) LogRelate(ctx context.Context, fromID, toID, relType string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "relate failed",
			"from", fromID,
			"to", toID,
			"type", relType,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "relate completed",
			"from", fromID,
			"to", toID,
			"type", relType,
		)
	}
}

// LogBackup logs a backup creation.
func (l *Logger) LogBackup(ctx context.Context, id, name string, size int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "backup created",
			"id", id,
			"name", name,
			"size", size,
		)
	}
}

// LogRestore logs a restore operation.
func (l *Logger) LogRestore(ctx context.Context, backupID string, report backup.Report, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"backup_id", backupID,
			"error", err,
		)
		return
	}
	if len(report.Errors) > 0 {
		l.WarnContext(ctx, "restore completed with item failures",
			"backup_id", backupID,
			"imported", report.Imported,
			"skipped", report.Skipped,
			"failed", len(report.Errors),
		)
	} else {
		l.InfoContext(ctx, "restore completed",
			"backup_id", backupID,
			"imported", report.Imported,
			"skipped", report.Skipped,
		)
	}
}
