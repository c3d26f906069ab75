package persistence

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("version conflict")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// ConflictError is returned when no row matched id AND version=Expected.
// Nothing was written.
type ConflictError struct {
	TaskID   string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: version %d is stale", e.TaskID, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PersistenceError wraps a storage failure. Callers surface it as a generic
// server error and keep the cause in logs only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var ce *ConflictError
	if errors.As(err, &ve) || errors.As(err, &ce) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
