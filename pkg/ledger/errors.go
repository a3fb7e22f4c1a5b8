package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrNotFound            = errors.New("not found")
	ErrWalletNotFound      = fmt.Errorf("wallet %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrAlreadyApplied      = errors.New("transaction already applied")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrPersistenceConflict = errors.New("persistence conflict")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrWalletArchived      = errors.New("wallet archived")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidLifecycle    = errors.New("invalid lifecycle transition")
	ErrCapabilityRequired  = errors.New("admin capability required")
	ErrDuplicateSession    = errors.New("duplicate external session id")

	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidWalletID        = errors.New("invalid wallet id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidCredits         = errors.New("invalid credits")
	ErrInvalidCreditType      = errors.New("invalid credit type")
	ErrInvalidStatus          = errors.New("invalid transaction status")
	ErrInvalidLifecycleStatus = errors.New("invalid lifecycle status")
	ErrInvalidCutover         = errors.New("invalid cutover time")
	ErrInvalidDay             = errors.New("invalid day")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
