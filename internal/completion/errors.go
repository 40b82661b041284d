package completion

import "errors"

// FatalError is delivered for a signal whose waiter failed while blocked on
// it. The accompanying status is the last one the waiter knew and may be
// stale; the device behind the signal should be treated as suspect.
type FatalError struct{ Cause error }

func (e *FatalError) Error() string { return "completion: waiter failed: " + e.Cause.Error() }

func (e *FatalError) Unwrap() error { return e.Cause }

// IsFatal reports whether err came from a failed waiter.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
