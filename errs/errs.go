// Package errs defines the numeric error taxonomy shared by every layer of
// the library: AIO completions, pipe/endpoint lifecycle, stream framing,
// TLS, and WebSocket. Codes are stable across bindings, so do not reorder
// or remove an existing constant.
package errs

import "fmt"

// Code is a stable, numeric error identity. It is carried inline on Error
// so callers can compare against a Code without an errors.Is allocation.
type Code int

const (
	_ Code = iota

	Closed            // operation performed on a closed object
	TimedOut          // AIO expired before completion
	Canceled          // AIO aborted by the caller
	Stopped           // the provider (stream, AIO pool, ...) has been stopped
	NoMemory          // allocation failure
	InvalidAddress    // malformed or unsupported URL
	InvalidArgument   // bad argument to a setter or constructor
	Busy              // object is already in use and cannot be reconfigured
	NotSupported      // operation/attribute not implemented by this provider
	ProtocolError     // peer violated the wire protocol
	ConnectionShut    // peer closed the underlying transport
	ConnectionRefused // peer/listener refused the connection
	MessageTooBig     // message or frame exceeded a configured limit
	PermissionDenied  // TLS/auth failure
	AlreadyInUse      // address already bound
	NoFiles           // file descriptor or handle exhaustion
	Internal          // assertion failure / programming error
)

var names = map[Code]string{
	Closed:            "closed",
	TimedOut:          "timed-out",
	Canceled:          "canceled",
	Stopped:           "stopped",
	NoMemory:          "no-memory",
	InvalidAddress:    "invalid-address",
	InvalidArgument:   "invalid-argument",
	Busy:              "busy",
	NotSupported:      "not-supported",
	ProtocolError:     "protocol-error",
	ConnectionShut:    "connection-shut",
	ConnectionRefused: "connection-refused",
	MessageTooBig:     "message-too-big",
	PermissionDenied:  "permission-denied",
	AlreadyInUse:      "already-in-use",
	NoFiles:           "no-files",
	Internal:          "internal",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("errs.Code(%d)", int(c))
}

// Error lets a bare Code be used directly as an error, in particular as the
// target of errors.Is(err, errs.SomeCode) without wrapping it first.
func (c Code) Error() string { return c.String() }

// Error wraps a Code with optional context, implementing the error interface.
// Providers should build these with New/Wrap rather than constructing the
// struct directly, so Code is never left zero.
type Error struct {
	Code Code
	Op   string // optional: component/operation that raised it, eg. "spframe.negotiate"
	Err  error  // optional: underlying cause
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, errs.TimedOut) work by comparing codes, not
// by sentinel identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(Code)
	return ok && e.Code == t
}

// New builds an *Error with no wrapped cause.
func New(code Code, op string) error {
	return &Error{Code: code, Op: op}
}

// Wrap builds an *Error carrying cause as its Unwrap() target.
func Wrap(code Code, op string, cause error) error {
	if cause == nil {
		return New(code, op)
	}
	return &Error{Code: code, Op: op, Err: cause}
}

// CodeOf extracts the Code from err, defaulting to Internal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Internal
}
