package domain

import (
	"errors"
	"fmt"
)

// Status is the outcome of a command execution.
type Status string

// Command statuses. The set is closed; authorization failures are reported as
// StatusExecutionError carrying ErrAuthorizationDenied.
const (
	StatusOK              Status = "OK"
	StatusExecutionError  Status = "EXECUTION_ERROR"
	StatusVerifyAndResend Status = "VERIFY_AND_RESEND"
	StatusDBError         Status = "DB_ERROR"
)

// ErrAuthorizationDenied rejects a command before execution.
var ErrAuthorizationDenied = errors.New("authorization denied")

// ErrNotFound is returned when a referenced row is missing.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ExecutionError is a business-rule violation detected before any write.
type ExecutionError struct {
	Reason string
}

func (e ExecutionError) Error() string { return e.Reason }

// Executionf formats an ExecutionError.
func Executionf(format string, args ...any) error {
	return ExecutionError{Reason: fmt.Sprintf(format, args...)}
}

// VerifyAndResendError asks the caller to confirm a likely-duplicate
// submission before retrying.
type VerifyAndResendError struct {
	Reason string
}

func (e VerifyAndResendError) Error() string { return e.Reason }

// DBError reports a violated storage invariant.
type DBError struct {
	Op  string
	Err error
}

func (e DBError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e DBError) Unwrap() error { return e.Err }

// StatusFromError maps the error taxonomy onto a command status.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusOK
	}
	var verify VerifyAndResendError
	if errors.As(err, &verify) {
		return StatusVerifyAndResend
	}
	var exec ExecutionError
	if errors.As(err, &exec) || errors.Is(err, ErrAuthorizationDenied) {
		return StatusExecutionError
	}
	var violation RuleViolationError
	if errors.As(err, &violation) {
		return StatusExecutionError
	}
	return StatusDBError
}
