// Package fatal carries the process-aborting error class of the row store.
//
// Contract breaches (freeing a protected slot, resizing below the high-water
// mark, inserting a duplicate key, ...) and capacity exhaustion leave a
// distributed row store without a well-defined recovery state. They are
// reported by panicking with an *Error that wraps a package sentinel, so the
// whole world stops with a message naming the violated condition and the
// offending indices.
package fatal

import (
	"errors"
	"fmt"
)

// Error is the panic value raised by Abort.
type Error struct {
	Op     string // operation that detected the violation, e.g. "table.Free"
	Err    error  // package sentinel
	Detail string // offending indices, ranks, sizes
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Abort panics with an *Error.
func Abort(op string, err error, format string, args ...any) {
	panic(&Error{Op: op, Err: err, Detail: fmt.Sprintf(format, args...)})
}

// Check aborts when cond is false.
func Check(cond bool, op string, err error, format string, args ...any) {
	if !cond {
		Abort(op, err, format, args...)
	}
}

// Recover converts a fatal panic back into an error. Any other panic value is
// re-raised. It must be called directly from a deferred function:
//
//	defer func() { err = fatal.Recover(recover()) }()
func Recover(v any) error {
	if v == nil {
		return nil
	}
	var fe *Error
	if e, ok := v.(error); ok && errors.As(e, &fe) {
		return fe
	}
	panic(v)
}
