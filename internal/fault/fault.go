// Package fault carries the short failure reason that ends up in the
// termination message, alongside the underlying cause for the logs.
package fault

import "errors"

// Error pairs a terse, operator-facing reason with its cause. The reason
// is what the termination message shows; the cause is for log lines.
type Error struct {
	Reason string
	Err    error
}

// New wraps err under a reason. err may be nil when the reason stands on
// its own.
func New(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reason extracts the reason from err, falling back to the raw error text
// for anything that was not classified.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return err.Error()
}
