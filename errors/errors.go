// Package errors provides a standard error definition for use in
// taskgraph. Each error is assigned a class of error (kind) and an
// operation with optional arguments. Errors may be chained, and thus
// can be used to annotate upstream errors.
//
// Package errors provides functions Errorf and New as convenience
// constructors, so that users need import only one error package.
//
// The API was inspired by package upspin.io/errors.
package errors

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"runtime"
)

// Separator is inserted between chained errors while rendering.
// The default value (":\n\t") is intended for interactive tools.
var Separator = ":\n\t"

// Kind denotes the type of the error. The error's kind is used to
// render the error message and also for interpretation.
type Kind int

const (
	// Other denotes an unknown error.
	Other Kind = iota
	// Canceled denotes a cancellation error.
	Canceled
	// Config denotes a graph configuration error. Config errors are
	// raised while a graph is built or finalized; an execution
	// pipeline finalizes its replica graphs when its worker
	// initializes, so its Config errors arise there.
	Config
	// NotExist denotes an error originating from a nonexistent resource.
	NotExist
	// Invalid indicates an invalid state or data.
	Invalid
	// Exec denotes an error returned by a task lifecycle hook or a
	// rule. Exec errors are fatal to the worker that observed them.
	Exec

	maxKind
)

// String renders a human-readable description of kind k.
func (k Kind) String() string {
	switch k {
	default:
		return "unknown error"
	case Canceled:
		return "canceled"
	case Config:
		return "configuration error"
	case NotExist:
		return "resource does not exist"
	case Invalid:
		return "invalid"
	case Exec:
		return "execution error"
	}
}

// Error defines a taskgraph error. It is used to indicate an error
// associated with an operation (and arguments), and may wrap another
// error.
//
// Errors should be constructed by errors.E.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Op is a one-word description of the operation that errored.
	Op string
	// Arg is an (optional) list of arguments to the operation.
	Arg []string
	// Err is this error's underlying error: this error is caused
	// by Err.
	Err error
}

// E is used to construct errors. E constructs errors from a set of
// arguments; each of which must be one of the following types:
//
//	string
//		The first string argument is taken as the error's Op; subsequent
//		arguments are taken as the error's Arg.
//	Kind
//		Taken as the error's Kind.
//	error
//		Taken as the error's underlying error.
//
// If a Kind is provided, there is no further processing. If not, and
// an underlying error is provided, E attempts to interpret it as
// follows: (1) if the underlying error is another *Error, the Kind is
// inherited from the *Error; (2) if the underlying error is
// context.Canceled, the error's kind is set to Canceled.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if e.Op == "" {
				e.Op = arg
			} else {
				e.Arg = append(e.Arg, arg)
			}
		case Kind:
			e.Kind = arg
		case *Error:
			copy := *arg
			e.Err = &copy
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind {
			e.Kind = prev.Kind
			prev.Kind = Other
		} else if e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Op == "" && prev.Kind == Other {
			e.Err = prev.Err
		}
	default:
		if e.Kind == Other && e.Err == context.Canceled {
			e.Kind = Canceled
		}
	}
	return e
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

// Error renders this error and its chain of underlying errors,
// separated by Separator.
func (e *Error) Error() string {
	return e.ErrorSeparator(Separator)
}

// ErrorSeparator renders this error and its chain of underlying
// errors, separated by sep.
func (e *Error) ErrorSeparator(sep string) string {
	if e == nil {
		return "<nil>"
	}
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
		for i := range e.Arg {
			b.WriteString(" " + e.Arg[i])
		}
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if err, ok := e.Err.(*Error); ok {
			pad(b, sep)
			b.WriteString(err.ErrorSeparator(sep))
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	return b.String()
}

// New is synonymous with errors.New in the standard library.
func New(msg string) error {
	return &Error{Err: fmt.Errorf("%s", msg)}
}

// Errorf is synonymous with fmt.Errorf in the standard library.
func Errorf(format string, args ...interface{}) error {
	return &Error{Err: fmt.Errorf(format, args...)}
}

// Recover recovers any error into an *Error. If the passed-in err is
// already an *Error, it is simply returned; otherwise it is wrapped
// in one.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return &Error{Err: err}
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	if kind == Canceled && err == context.Canceled {
		return true
	}
	e := Recover(err)
	if e.Kind == kind {
		return true
	}
	if _, chained := err.(*Error); chained && e.Kind == Other && e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}
