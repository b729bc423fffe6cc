package asm

import (
	"errors"
	"fmt"
)

// Phase names the stage of emission that detected an inconsistency.
type Phase string

const (
	PhaseBuild  Phase = "build"
	PhaseLayout Phase = "layout"
	PhaseEmit   Phase = "emit"
)

// InternalError reports an internal-consistency failure. The method being
// compiled is abandoned; nothing retries.
type InternalError struct {
	Phase Phase
	Op    string
	Err   error
}

func (e *InternalError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("internal compiler error (%s): %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("internal compiler error (%s %s): %v", e.Phase, e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Internalf builds an InternalError for phase and op.
func Internalf(phase Phase, op string, format string, args ...any) *InternalError {
	return &InternalError{Phase: phase, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsInternal reports whether err carries an InternalError.
func IsInternal(err error) bool {
	var ice *InternalError
	return errors.As(err, &ice)
}
