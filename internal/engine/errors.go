package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
)

type (
	ValidationError  = persistence.ValidationError
	ConflictError    = persistence.ConflictError
	PersistenceError = persistence.PersistenceError
	DispatchError    = registry.DispatchError
)

var (
	ErrNotFound = persistence.ErrNotFound
	ErrConflict = persistence.ErrConflict
)

// UnsupportedTypeError means no handler resolves the task type, or the
// explicitly requested agent does not accept it.
type UnsupportedTypeError struct {
	TaskType  string
	AgentSlug string
}

func (e *UnsupportedTypeError) Error() string {
	if e.AgentSlug != "" {
		return fmt.Sprintf("agent %q does not handle task type %q", e.AgentSlug, e.TaskType)
	}
	return fmt.Sprintf("no handler for task type %q", e.TaskType)
}

// ErrorClass categorizes engine errors for HTTP mapping and logs.
type ErrorClass string

const (
	ErrorClassValidation  ErrorClass = "VALIDATION"
	ErrorClassUnsupported ErrorClass = "UNSUPPORTED_TYPE"
	ErrorClassConflict    ErrorClass = "CONFLICT"
	ErrorClassNotFound    ErrorClass = "NOT_FOUND"
	ErrorClassDispatch    ErrorClass = "DISPATCH"
	ErrorClassPersistence ErrorClass = "PERSISTENCE"
	ErrorClassUnknown     ErrorClass = "UNKNOWN"
)

// ClassifyError returns the most specific class for err.
func ClassifyError(err error) ErrorClass {
	var (
		ve *ValidationError
		ue *UnsupportedTypeError
		ce *ConflictError
		de *DispatchError
		pe *PersistenceError
	)
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.As(err, &ve):
		return ErrorClassValidation
	case errors.As(err, &ue):
		return ErrorClassUnsupported
	case errors.As(err, &ce), errors.Is(err, ErrConflict):
		return ErrorClassConflict
	case errors.Is(err, ErrNotFound):
		return ErrorClassNotFound
	case errors.As(err, &de):
		return ErrorClassDispatch
	case errors.As(err, &pe):
		return ErrorClassPersistence
	default:
		return ErrorClassUnknown
	}
}

// HTTPStatus maps an error to the status code the HTTP surface returns.
// Dispatch errors never reach a response; they map to 502 for completeness.
func HTTPStatus(err error) int {
	switch ClassifyError(err) {
	case ErrorClassValidation:
		return http.StatusBadRequest
	case ErrorClassUnsupported:
		return http.StatusUnprocessableEntity
	case ErrorClassConflict:
		return http.StatusConflict
	case ErrorClassNotFound:
		return http.StatusNotFound
	case ErrorClassDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to callers. Storage and
// unknown failures are reported generically.
func PublicMessage(err error) string {
	switch ClassifyError(err) {
	case ErrorClassPersistence, ErrorClassUnknown:
		return "internal error"
	default:
		return err.Error()
	}
}
