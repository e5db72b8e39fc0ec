package stores

import (
	"errors"
	"time"
)

// Store is a physical receiving location that can be credited with stock.
type Store struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilters narrows store listings.
type ListFilters struct {
	ActiveOnly bool
	Search     string
}

var (
	ErrNotFound   = errors.New("stores: store not found")
	ErrDuplicate  = errors.New("stores: store code already exists")
	ErrValidation = errors.New("stores: validation failed")
)

// ValidationError lists invalid fields of a store payload.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return ErrValidation.Error() }

// Unwrap lets callers match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// FieldErrors exposes field messages to the HTTP layer.
func (e *ValidationError) FieldErrors() map[string]string { return e.Fields }
