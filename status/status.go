// Package status provides the small set of error kinds surfaced to users
// of the rpcstack core and transfer protocol. It deliberately mirrors
// pw::Status from the Pigweed original (see original_source/pw_rpc) rather
// than a gRPC-style status object: callers compare codes with Is or
// CodeOf, and a nil *Error always means success.
package status

import "fmt"

// Code is one of the error kinds enumerated in spec.md §6.
type Code int

const (
	OK Code = iota
	Cancelled
	InvalidArgument
	DeadlineExceeded
	NotFound
	ResourceExhausted
	FailedPrecondition
	Unavailable
	DataLoss
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Cancelled:
		return "Cancelled"
	case InvalidArgument:
		return "InvalidArgument"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case NotFound:
		return "NotFound"
	case ResourceExhausted:
		return "ResourceExhausted"
	case FailedPrecondition:
		return "FailedPrecondition"
	case Unavailable:
		return "Unavailable"
	case DataLoss:
		return "DataLoss"
	case Internal:
		return "Internal"
	default:
		panic(fmt.Sprintf("status: need to update String() for Code %v", int(c)))
	}
}

// Error pairs a Code with a human-readable message. It implements error.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Msg)
}

// New constructs an *Error with the given code and formatted message.
func New(code Code, format string, a ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, a...)}
}

// Is reports whether err is itself a *Error carrying code. A *Error
// wrapped inside another error is not unwrapped.
func Is(err error, code Code) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	return se.Code == code
}

// CodeOf extracts the Code from err, defaulting to Internal for any
// non-*Error value (e.g. an underlying I/O error bubbling out of a
// send_and_release implementation).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return Internal
}

// PanicOn is the teacher's panicOn idiom for asserting on programmer errors that
// should never happen in correct code (reentrant buffer acquire, double
// service registration, negative configuration values). It is not used
// for recoverable/remote conditions, which always return *Error instead.
func PanicOn(err error) {
	if err != nil {
		panic(err)
	}
}
