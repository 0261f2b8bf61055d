package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is returned when a required field has no value.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField is returned when a field holds a value of the wrong kind.
	ErrInvalidField = errors.New("invalid field value")
	// ErrInvalidType is returned for a type code other than download or upload.
	ErrInvalidType = errors.New("unknown task type")
	// ErrCorruptRecord wraps every decode failure.
	ErrCorruptRecord = errors.New("corrupt task record")
)

// FieldError names the field a construction or decode failure is about.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

type corruptError struct {
	err error
}

func (e *corruptError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCorruptRecord, e.err)
}

func (e *corruptError) Unwrap() []error {
	return []error{ErrCorruptRecord, e.err}
}

func corrupt(err error) error {
	return &corruptError{err: err}
}
