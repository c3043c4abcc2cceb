package errors

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable class of a deployer failure.
type Kind string

const (
	KindDatabase       Kind = "database_error"
	KindRuntime        Kind = "runtime_error"
	KindProxy          Kind = "proxy_error"
	KindSerialization  Kind = "serialization_error"
	KindConfiguration  Kind = "configuration_error"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "already_deployed"
	KindInvalidRequest Kind = "invalid_request"
	KindInternal       Kind = "internal_error"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef is E with a formatted message instead of a cause.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
