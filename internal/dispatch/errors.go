package dispatch

import "fmt"

// ValidationError reports request input that violates a configured limit
// (unknown model, oversized text or batch). The cache is untouched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// TimeoutError reports that the caller's own deadline elapsed while waiting
// on a load, a worker slot, or the computation. The underlying operation is
// unaffected and may still populate the cache.
type TimeoutError struct {
	Op    string // "load" or "compute"
	Model string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out for model %q: %v", e.Op, e.Model, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
