package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCompleted = errors.New("workflow completed; reset to start a new run")

// ValidationError is a blocking stage error. The stage is not advanced.
type ValidationError struct {
	Stage   Stage
	Reasons []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, strings.Join(e.Reasons, "; "))
}

func invalid(stage Stage, format string, args ...any) ValidationError {
	return ValidationError{Stage: stage, Reasons: []string{fmt.Sprintf(format, args...)}}
}

// ExternalError wraps a failed call to a collaborator service. The engine
// does not retry.
type ExternalError struct {
	Op  string
	Err error
}

func (e ExternalError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e ExternalError) Unwrap() error {
	return e.Err
}
