package power

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the power service.
var (
	ErrInsufficientPower       = errors.New("insufficient power")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidConfig           = errors.New("invalid power config")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// InsufficientPowerError reports a spend that exceeds the effective balance.
type InsufficientPowerError struct {
	Current  int64
	Required int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientPowerError) Error() string {
	return fmt.Sprintf("insufficient power: current %d, required %d", insufficientError.Current, insufficientError.Required)
}

// Is matches the ErrInsufficientPower sentinel.
func (insufficientError InsufficientPowerError) Is(target error) bool {
	return target == ErrInsufficientPower
}

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
