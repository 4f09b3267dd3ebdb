package engine

import "errors"

// NoRetry marks a failure as final. The engine ends the task's attempt loop
// and the queue consumer acknowledges the delivery instead of handing it
// back. The message stays that of err.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return finalError{err: err}
}

// IsNoRetry reports whether err, or anything it wraps, went through NoRetry.
func IsNoRetry(err error) bool {
	var e finalError
	return errors.As(err, &e)
}

type finalError struct{ err error }

func (e finalError) Error() string { return e.err.Error() }
func (e finalError) Unwrap() error { return e.err }
