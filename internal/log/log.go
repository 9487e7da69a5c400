// Package log is the structured logger every gymgate component writes
// through. It sits on log/slog and adds trace ids, stacks and a
// flattened error chain.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger takes alternating key/value pairs. Non-string keys are dropped.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string
	BuildID string

	Level slog.Level
	// StacktraceLevel is the lowest level that gets a stack attached.
	// Empty means error.
	StacktraceLevel string

	JSON bool

	// ErrorLinks adds the call site of each wrap in an error chain, up to
	// MaxErrorLinks entries (default 8).
	ErrorLinks    bool
	MaxErrorLinks int

	// Writer defaults to stdout.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
}

type ctxKey struct{}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached by WithContext, or Nop.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return discard{}
}

// Nop returns a Logger that drops everything.
func Nop() Logger { return discard{} }

type discard struct{}

func (d discard) With(...any) Logger                         { return d }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }
