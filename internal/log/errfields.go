package log

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
)

// implemented by xerrors wrap and stack types
type (
	pcCarrier   interface{ PC() uintptr }
	stackTracer interface{ StackPCs() []uintptr }
)

// errorFields returns the attributes Error adds for err.
func errorFields(err error, links int) []any {
	surface, root := errorTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if msgs := errorMessages(err); len(msgs) > 0 {
		kv = append(kv, "error_chain", msgs)
	}
	if links > 0 {
		kv = append(kv, "error_links", errorLinks(err, links))
	}
	return kv
}

// errorMessages walks the Unwrap chain and the members of a joined error,
// skipping consecutive duplicates left by message-less wrappers.
func errorMessages(err error) []string {
	var out []string
	add := func(s string) {
		if n := len(out); n == 0 || out[n-1] != s {
			out = append(out, s)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// errorLinks lists the chain with the source position of each link that
// has one. The outermost link is always included.
func errorLinks(err error, limit int) []map[string]any {
	var out []map[string]any
	for i, e := 0, err; e != nil && i < limit; i, e = i+1, errors.Unwrap(e) {
		fr, ok := originFrame(e)
		if !ok && i > 0 {
			continue
		}
		link := map[string]any{"msg": e.Error()}
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		out = append(out, link)
	}
	return out
}

func originFrame(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case pcCarrier:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr, true
		}
	case stackTracer:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !internalFrame(fr.Function) {
				return fr, true
			}
			if !more {
				break
			}
		}
	}
	return runtime.Frame{}, false
}

// errorTypes names the first non-wrapper type in the chain and the
// innermost type.
func errorTypes(err error) (surface, root string) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		root = fmt.Sprintf("%T", e)
		if surface == "" && !wrapperType(e) {
			surface = root
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func wrapperType(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	return strings.HasSuffix(pkg, "/internal/xerrors") || (pkg == "fmt" && t.Name() == "wrapError")
}

// internalFrame reports frames from the runtime, slog, this package or
// xerrors, none of which is where a failure happened.
func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// recordStack prefers a stack carried in the record's err chain and
// falls back to the goroutine that is logging.
func recordStack(r slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		var st stackTracer
		if err, ok := a.Value.Any().(error); ok && errors.As(err, &st) {
			pcs = st.StackPCs()
		}
		return false
	})
	if len(pcs) == 0 {
		buf := make([]uintptr, 64)
		pcs = buf[:runtime.Callers(1, buf)]
	}

	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		// leading frames belong to the logger itself
		started = started || !internalFrame(fr.Function)
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
