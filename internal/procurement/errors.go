package procurement

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input. Every *ValidationError matches it.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrStageViolation is matched by every *StageViolationError.
	ErrStageViolation = errors.New("procurement: stage violation")

	ErrMissingStore     = errors.New("procurement: receiving store required")
	ErrUnknownLineItem  = errors.New("procurement: line item not on this purchase order")
	ErrInvalidQuantity  = errors.New("procurement: invalid quantity")
	ErrOverReceipt      = errors.New("procurement: quantity exceeds remaining to receive")
	ErrNothingToReceive = errors.New("procurement: at least one line must have a positive quantity")

	// ErrPersistenceConflict means a concurrent writer won; retry with fresh data.
	ErrPersistenceConflict = errors.New("procurement: purchase order modified concurrently")
	// ErrAdapterFailure means the stock ledger rejected a credit and nothing was applied.
	ErrAdapterFailure = errors.New("procurement: stock ledger unavailable")
	// ErrDuplicateReceipt means the idempotency key was already used.
	ErrDuplicateReceipt = errors.New("procurement: receipt already submitted")
)

// FieldErrors maps request paths such as items_received.0.quantity_received to messages.
type FieldErrors map[string]string

// Add records msg for path, keeping the first message per path.
func (f FieldErrors) Add(path, msg string) {
	if _, ok := f[path]; !ok {
		f[path] = msg
	}
}

// ValidationError is a rejected input. Kind is one of the validation sentinels.
type ValidationError struct {
	Kind   error
	Fields FieldErrors
}

func newValidationError(kind error, fields FieldErrors) *ValidationError {
	return &ValidationError{Kind: kind, Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Kind.Error()
	}
	paths := make([]string, 0, len(e.Fields))
	for path := range e.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	parts := make([]string, len(paths))
	for i, path := range paths {
		parts[i] = path + ": " + e.Fields[path]
	}
	return fmt.Sprintf("%s (%s)", e.Kind, strings.Join(parts, "; "))
}

// Unwrap exposes both the specific kind and ErrValidation.
func (e *ValidationError) Unwrap() []error {
	if e.Kind == ErrValidation {
		return []error{ErrValidation}
	}
	return []error{e.Kind, ErrValidation}
}

// FieldErrors exposes field messages to the HTTP layer.
func (e *ValidationError) FieldErrors() map[string]string {
	return e.Fields
}

// ReceivedItemPath addresses a field of the index-th submitted receipt line.
func ReceivedItemPath(index int, field string) string {
	return fmt.Sprintf("items_received.%d.%s", index, field)
}

func itemPath(index int, field string) string {
	return fmt.Sprintf("items.%d.%s", index, field)
}

// IsRetryable reports whether the caller may resubmit the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict) || errors.Is(err, ErrAdapterFailure)
}
