// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("dependency unavailable")
)

// FieldErrorer is implemented by errors that carry per-field messages.
type FieldErrorer interface {
	FieldErrors() map[string]string
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	fields := FieldsOf(err)
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Detail: err.Error()})
	case errors.Is(err, ErrValidation):
		Problem(w, ProblemDetail{Status: http.StatusUnprocessableEntity, Title: "Validation Failed", Detail: err.Error(), Errors: fields})
	case errors.Is(err, ErrConflict):
		Problem(w, ProblemDetail{Status: http.StatusConflict, Title: "Conflict", Detail: err.Error(), Errors: fields})
	case errors.Is(err, ErrUnavailable):
		Problem(w, ProblemDetail{Status: http.StatusServiceUnavailable, Title: "Service Unavailable", Detail: err.Error(), Retryable: true})
	default:
		Problem(w, ProblemDetail{Status: http.StatusInternalServerError, Title: "Internal Error"})
	}
}

// FieldsOf extracts field messages from err, nil when it carries none.
func FieldsOf(err error) map[string]string {
	var fe FieldErrorer
	if errors.As(err, &fe) {
		if fields := fe.FieldErrors(); len(fields) > 0 {
			return fields
		}
	}
	return nil
}
