// Package xerrors records where an error was created or wrapped so the
// logger can point at the failing call site instead of the log call.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// stacked carries the call stack captured when the error was created.
type stacked struct {
	cause error
	pcs   []uintptr
}

func (s *stacked) Error() string       { return s.cause.Error() }
func (s *stacked) Unwrap() error       { return s.cause }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// annotated prefixes the cause with a message and remembers the single
// frame that wrapped it.
type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error { return a.cause }
func (a *annotated) PC() uintptr   { return a.pc }

// traced must be called directly from an exported constructor.
func traced(err error) error {
	pcs := make([]uintptr, 64)
	// runtime.Callers, traced, constructor
	n := runtime.Callers(3, pcs)
	return &stacked{cause: err, pcs: pcs[:n]}
}

// wrapSite must be called directly from Wrap or Wrapf.
func wrapSite() uintptr {
	var pc [1]uintptr
	runtime.Callers(3, pc[:])
	return pc[0]
}

func New(msg string) error { return traced(errors.New(msg)) }

func Newf(format string, args ...any) error { return traced(fmt.Errorf(format, args...)) }

// EnsureTrace attaches a stack unless err already carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var st interface{ StackPCs() []uintptr }
	if errors.As(err, &st) && len(st.StackPCs()) > 0 {
		return err
	}
	return traced(err)
}

// Wrap returns nil when err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: wrapSite()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: wrapSite()}
}

func Join(errs ...error) error { return errors.Join(errs...) }
