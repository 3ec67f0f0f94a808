// Package kgerr carries the error taxonomy shared by the graph pipeline:
// transient I/O failures (retry, then skip the unit) versus structural
// failures (abort the step loudly).
package kgerr

import (
	"errors"
	"fmt"
)

// StructuralError marks a non-retryable violation: malformed service payloads,
// dangling references at assembly time, mutation of a frozen graph. The step
// that hits one aborts; it never degrades to a skipped unit.
type StructuralError struct {
	Violation string
	Detail    string
}

func (e *StructuralError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Violation
	}
	return fmt.Sprintf("%s: %s", e.Violation, e.Detail)
}

func Structural(violation, format string, args ...any) *StructuralError {
	return &StructuralError{Violation: violation, Detail: fmt.Sprintf(format, args...)}
}

func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// TransientError wraps a retryable I/O failure. Call sites retry with backoff
// and degrade to "unit skipped, logged" on exhaustion.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
