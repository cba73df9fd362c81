// Package dhterrors defines the error kinds surfaced by the DHT node and
// messaging client to their callers.
package dhterrors

import "fmt"

// Kind classifies an Error for callers that need to branch on failure
// category without string-matching messages.
type Kind int

const (
	// Argument marks an invalid id, address, size, or config field.
	Argument Kind = iota
	// State marks an operation attempted against a stopped DHT or a
	// missing dependency.
	State
	// IO marks a socket or file read/write failure.
	IO
	// Crypto marks a decryption, verification, or key-derivation failure.
	Crypto
	// Protocol marks an unparsable wire format or an unknown type/method.
	Protocol
	// Signature marks a value or credential signature mismatch.
	Signature
)

func (k Kind) String() string {
	switch k {
	case Argument:
		return "argument"
	case State:
		return "state"
	case IO:
		return "io"
	case Crypto:
		return "crypto"
	case Protocol:
		return "protocol"
	case Signature:
		return "signature"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can distinguish
// recoverable protocol noise from internal invariant breaks.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("%s", msg)}
}

// Wrap attaches a Kind and operation name to an existing error. Returns
// nil if err is nil so it can be used directly in a return statement.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var de *Error
	if ok := asError(err, &de); !ok {
		return false
	}
	return de.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// InvalidRequestCode is the wire-level error code returned to a remote
// peer when a request carries a bad token, value, or argument (see the
// send_err response produced by the RPC server for code 203).
const InvalidRequestCode = 203

// WireCode maps an error returned by a request handler to the numeric
// §6 wire error code carried in a send_err response's `c` field. Every
// Kind a request handler can legitimately fail with (bad argument, bad
// token, bad value, unparsable request) collapses onto code 203, the
// only code §7 defines; an error that isn't a *Error at all (a plain
// handler error, e.g. "missing value") gets the same code, since it
// still denotes a rejected request rather than an internal fault.
func WireCode(err error) int32 {
	var de *Error
	if asError(err, &de) {
		switch de.Kind {
		case Argument, Protocol, Signature:
			return InvalidRequestCode
		}
	}
	return InvalidRequestCode
}
