package authnz

import "fmt"

// Error is a failed authentication attempt. Message is safe to show to the
// end user; Err carries the underlying cause for logs.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func fail(err error, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: err}
}
