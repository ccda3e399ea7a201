package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when an insert would violate a uniqueness invariant
	ErrAlreadyExists = errors.New("record already exists")
)

// BusinessError is a rule failure recorded on one task or item; the loop moves on
type BusinessError struct {
	Op     string
	Reason string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// NewBusinessError creates a new BusinessError
func NewBusinessError(op, format string, args ...interface{}) error {
	return &BusinessError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsBusinessError reports whether err wraps a BusinessError
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}
