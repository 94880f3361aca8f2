package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		if len(err.Fields) > 0 {
			return err.Fields[0].Field + ": " + err.Fields[0].Error
		}
		return ""
	}
	return err.Err.Error()
}

func IsValidation(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

// UnreachableError marks a failure to reach the remote system at the network level
// (as opposed to the remote answering with an error).
type UnreachableError struct {
	Err error
}

func NewUnreachableError(err error) error {
	return &UnreachableError{Err: err}
}

func (err UnreachableError) Error() string {
	if err.Err == nil {
		return "remote unreachable"
	}
	return "remote unreachable: " + err.Err.Error()
}

func IsUnreachable(err error) bool {
	_, ok := errors.Cause(err).(*UnreachableError)
	return ok
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
