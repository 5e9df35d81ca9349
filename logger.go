package m7

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with helpers for the fields a simulation logs.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
func NewLogger(handler slog.Handler) *Logger {
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a JSON logger writing to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a text logger writing to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger returns a logger that discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithRank returns a logger tagged with a rank index.
func (l *Logger) WithRank(rank int) *Logger {
	return &Logger{Logger: l.With("rank", rank)}
}

// WithTable returns a logger tagged with a table name.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{Logger: l.With("table", name)}
}

// WithCount returns a logger tagged with a row count.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{Logger: l.With("count", count)}
}

// LogCommunicate logs the end of one emission cycle.
func (l *Logger) LogCommunicate(ctx context.Context, cycle, storeRows int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "communicate failed", "cycle", cycle, "error", err)
		return
	}
	l.DebugContext(ctx, "communicate completed", "cycle", cycle, "store_rows", storeRows)
}

// LogRedistribute logs a redistribution and the imbalance it acted on.
func (l *Logger) LogRedistribute(ctx context.Context, cycle, moves int, imbalance float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "redistribute failed", "cycle", cycle, "error", err)
		return
	}
	if moves == 0 {
		l.DebugContext(ctx, "redistribute kept layout", "cycle", cycle, "imbalance", imbalance)
		return
	}
	l.InfoContext(ctx, "redistribute moved blocks", "cycle", cycle, "moves", moves, "imbalance", imbalance)
}

// LogRemap logs a hash index resize.
func (l *Logger) LogRemap(ctx context.Context, table string, oldBuckets, newBuckets int) {
	l.InfoContext(ctx, "hash index remapped",
		"table", table,
		"buckets_old", oldBuckets,
		"buckets_new", newBuckets,
	)
}
