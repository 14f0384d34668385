package review

import "errors"

// ErrUnavailable matches every *UnavailableError.
var ErrUnavailable = errors.New("proposal store unavailable")

// UnavailableError is the only error the repository lets escape for store
// problems. Reason carries the last known failure.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Reason == "" {
		return ErrUnavailable.Error()
	}
	return ErrUnavailable.Error() + ": " + e.Reason
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
