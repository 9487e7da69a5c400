package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	// links caps error_links entries, 0 turns them off
	links int
}

func newSlog(o Options) (Logger, error) {
	stackAt := slog.LevelError
	if o.StacktraceLevel != "" {
		lvl, err := ParseLevel(o.StacktraceLevel)
		if err != nil {
			return nil, fmt.Errorf("stacktrace level: %w", err)
		}
		stackAt = lvl
	}

	out := o.Writer
	if out == nil {
		out = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: o.Level, AddSource: true}
	var h slog.Handler = slog.NewTextHandler(out, ho)
	if o.JSON {
		h = slog.NewJSONHandler(out, ho)
	}

	attrs := []slog.Attr{slog.String("app", o.App)}
	for _, f := range [][2]string{{"app_version", o.Version}, {"app_commit", o.Commit}, {"build_id", o.BuildID}} {
		if f[1] != "" {
			attrs = append(attrs, slog.String(f[0], f[1]))
		}
	}

	links := 0
	if o.ErrorLinks {
		links = o.MaxErrorLinks
		if links <= 0 {
			links = 8
		}
	}
	return &slogLogger{h: &enrichHandler{next: h, stackAt: stackAt}, attrs: attrs, links: links}, nil
}

// pairs turns key/value arguments into attributes.
func pairs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (l *slogLogger) With(kv ...any) Logger {
	// clip so siblings never share a backing array
	return &slogLogger{h: l.h, attrs: append(slices.Clip(l.attrs), pairs(kv)...), links: l.links}
}

func (l *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	l.emit(ctx, slog.LevelDebug, msg, kv)
}

func (l *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	l.emit(ctx, slog.LevelInfo, msg, kv)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	l.emit(ctx, slog.LevelWarn, msg, kv)
}

func (l *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(slices.Clip(kv), errorFields(err, l.links)...)
	}
	l.emit(ctx, slog.LevelError, msg, kv)
}

func (l *slogLogger) Sync() error { return nil }

// emit must be called directly from a level method so the source frame is
// the caller of that method.
func (l *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !l.h.Enabled(ctx, lvl) {
		return
	}
	var pc [1]uintptr
	// runtime.Callers, emit, level method
	runtime.Callers(3, pc[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(l.attrs...)
	r.AddAttrs(pairs(kv)...)
	_ = l.h.Handle(ctx, r)
}

// enrichHandler adds trace ids from the span in ctx and a stack on
// records at or above stackAt.
type enrichHandler struct {
	next    slog.Handler
	stackAt slog.Level
}

func (h *enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h *enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackAt {
		r.AddAttrs(slog.String("stack", recordStack(r)))
	}
	return h.next.Handle(ctx, r)
}

func (h *enrichHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &enrichHandler{next: h.next.WithAttrs(as), stackAt: h.stackAt}
}

func (h *enrichHandler) WithGroup(name string) slog.Handler {
	return &enrichHandler{next: h.next.WithGroup(name), stackAt: h.stackAt}
}
