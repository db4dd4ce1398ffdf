package vmo

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error taxonomy of spec.md §7. It is deliberately small and
// closed; callers switch on it after unwrapping with errors.Cause.
type Kind uint8

const (
	OutOfRange Kind = iota
	InvalidArgs
	NotSupported
	BadState
	AlreadyExists
	NotFound
	NoMemory
	ShouldWait
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case OutOfRange:
		return "OutOfRange"
	case InvalidArgs:
		return "InvalidArgs"
	case NotSupported:
		return "NotSupported"
	case BadState:
		return "BadState"
	case AlreadyExists:
		return "AlreadyExists"
	case NotFound:
		return "NotFound"
	case NoMemory:
		return "NoMemory"
	case ShouldWait:
		return "ShouldWait"
	case Unavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every public operation returns. Op
// names the failing operation for log correlation.
type Error struct {
	Kind Kind
	Op   string
	msg  string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// newErr builds a Kind-tagged Error and wraps it with pkg/errors so
// callers further up the stack can annotate with errors.Wrap while still
// recovering the Kind via errors.Cause.
func newErr(op string, kind Kind, format string, args ...interface{}) error {
	e := &Error{Op: op, Kind: kind, msg: fmt.Sprintf(format, args...)}
	return errors.WithStack(e)
}

// KindOf unwraps err (following errors.Cause) to its Kind, returning ok
// false if err is not one of ours.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
