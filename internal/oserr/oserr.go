// Package oserr defines the runtime's error taxonomy. Every failure that
// crosses a component boundary carries a machine-readable code and a human
// description; callers branch on the code, users see the description.
package oserr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error kind.
type Code string

const (
	CodeSignalFiltered       Code = "signal_filtered"
	CodeProviderUnavailable  Code = "provider_unavailable"
	CodeToolExecutionFailed  Code = "tool_execution_failed"
	CodeToolBlockedByHook    Code = "tool_blocked_by_hook"
	CodeContextOverflow      Code = "context_overflow"
	CodeShellPolicyViolation Code = "shell_policy_violation"
	CodeSchedulerJobFailed   Code = "scheduler_job_failed"
	CodeInvalidConfig        Code = "invalid_config"
	CodeCancelled            Code = "cancelled"
	CodeDoomLoopHalt         Code = "doom_loop_halt"
)

// Error pairs a taxonomy code with a human-readable message and an
// optional cause. User-visible rendering never includes stack traces.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no underlying cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Errors outside the taxonomy report an empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// UserMessage returns the human description without the code prefix or
// cause chain, suitable for end-user display.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
