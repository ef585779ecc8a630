package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a sandbox failure. Timeouts are reported distinctly from
// refused or failed commands so callers can tell a hung daemon from a bad
// request.
type Kind int

const (
	// KindUnavailable means the container could not be created, resumed,
	// or reached. Fatal at startup; recoverable mid-session by retrying on
	// the next tool call.
	KindUnavailable Kind = iota
	// KindTimeout means a lifecycle or copy operation exceeded its bound.
	KindTimeout
	// KindCommandFailed means docker refused or failed the operation.
	KindCommandFailed
	// KindIO means local file staging failed.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindCommandFailed:
		return "command failed"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a classified sandbox failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sandbox %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("sandbox %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsTimeout reports whether err is a sandbox timeout.
func IsTimeout(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTimeout
}

// IsUnavailable reports whether err means the sandbox could not be reached.
func IsUnavailable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindUnavailable
}
