// Package hints marks errors that mean "this step was skipped", not
// "this step failed".
//
// Several backup steps legitimately have nothing to do: alerting is
// disabled, no backup is old enough to prune, the S3 offload was
// switched off for this run. The packages producing those conditions
// label them as hints, and the engine records the step as skipped in
// the run report instead of counting it as a failure. Callers test with
// IsHint and never need the producing package's sentinel errors.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap labels an existing error as a hint, keeping it in the chain for
// errors.Is / errors.As.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint reports whether any error in the chain is labelled as a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}
