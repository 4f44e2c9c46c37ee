package cachestorage

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrArgument matches every *ArgumentError.
	ErrArgument = platformerrors.New(platformerrors.CodeInvalidInput, "argument required")
	// ErrType matches every *TypeError.
	ErrType = platformerrors.New(platformerrors.CodeInvalidInput, "type error")
	// ErrTransaction matches every *TransactionError.
	ErrTransaction = platformerrors.New(platformerrors.CodeDatabase, "transaction failed")
	// ErrCacheNotFound is returned when writing to a cache that was deleted
	// after it had been opened.
	ErrCacheNotFound = platformerrors.New(platformerrors.CodeNotFound, "cache not found")
	// ErrBodyUsed is returned when reading a body that has already been read.
	ErrBodyUsed = platformerrors.New(platformerrors.CodeConflict, "body already used")
)

// The error types below are platform errors, so callers can branch on
// platformerrors.GetCode and serialize them with platformerrors.ToJSON.
var (
	_ platformerrors.PlatformError = (*ArgumentError)(nil)
	_ platformerrors.PlatformError = (*TypeError)(nil)
	_ platformerrors.PlatformError = (*TransactionError)(nil)
)

// ArgumentError is returned when a required argument is missing.
type ArgumentError struct {
	Op  string
	Arg string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: argument %q required", e.Op, e.Arg)
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrArgument
}

func (e *ArgumentError) Code() platformerrors.ErrorCode { return platformerrors.CodeInvalidInput }

func (e *ArgumentError) Classification() platformerrors.ErrorClassification {
	return platformerrors.ClassificationPermanent
}

func (e *ArgumentError) Message() string { return e.Error() }

func (e *ArgumentError) Context() map[string]interface{} {
	return map[string]interface{}{"op": e.Op, "argument": e.Arg}
}

func (e *ArgumentError) Unwrap() error { return nil }

// TypeError is returned when a request or response cannot be used for the
// operation, e.g. an unsupported scheme or a partial response.
type TypeError struct {
	Op     string
	Reason string
	// Optional underlying cause.
	Err error
}

func (e *TypeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *TypeError) Is(target error) bool {
	return target == ErrType
}

func (e *TypeError) Code() platformerrors.ErrorCode { return platformerrors.CodeInvalidInput }

func (e *TypeError) Classification() platformerrors.ErrorClassification {
	return platformerrors.ClassificationPermanent
}

func (e *TypeError) Message() string { return e.Reason }

func (e *TypeError) Context() map[string]interface{} {
	return map[string]interface{}{"op": e.Op}
}

func (e *TypeError) Unwrap() error {
	return e.Err
}

// TransactionError is returned when a backend transaction could not be committed.
// Err is the backend error wrapped with platformerrors.CodeDatabase.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	cause := errors.Unwrap(e.Err)
	if cause == nil {
		cause = e.Err
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransaction.Message(), cause)
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

func (e *TransactionError) Code() platformerrors.ErrorCode { return platformerrors.CodeDatabase }

func (e *TransactionError) Classification() platformerrors.ErrorClassification {
	return platformerrors.GetClassification(e.Err)
}

func (e *TransactionError) Message() string { return ErrTransaction.Message() }

func (e *TransactionError) Context() map[string]interface{} {
	return map[string]interface{}{"op": e.Op}
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func typeError(op, reason string) error {
	return &TypeError{Op: op, Reason: reason}
}

// txError wraps a backend error as a *TransactionError.
// Errors that already carry meaning for the caller are returned as is.
func txError(op string, err error) error {
	if err == nil {
		return nil
	}
	var txErr *TransactionError
	if errors.Is(err, ErrCacheNotFound) || errors.As(err, &txErr) {
		return err
	}
	return &TransactionError{Op: op, Err: platformerrors.Wrap(err, platformerrors.CodeDatabase, op)}
}
