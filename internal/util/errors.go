package util

import (
	"errors"
	"fmt"
)

// ErrorType classifies errors so the bridge can decide how to report them
type ErrorType int

const (
	// ErrInternal is an unexpected failure
	ErrInternal ErrorType = iota
	// ErrValidation is a malformed or unsupported request
	ErrValidation
	// ErrNotFound is a lookup for something that does not exist
	ErrNotFound
	// ErrExternal is a failure of the network, filesystem or device
	ErrExternal
)

// TypedError is a custom error that implements the error interface, used to convey some extra information
type TypedError struct {
	Msg  string
	Type ErrorType
	Err  error
}

func (e *TypedError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *TypedError) Unwrap() error {
	return e.Err
}

// NewTypedError creates a new error with the provided type
func NewTypedError(etype ErrorType, format string, args ...interface{}) error {
	return &TypedError{Msg: fmt.Sprintf(format, args...), Type: etype}
}

// WrapTyped wraps err and attaches a type to it
func WrapTyped(err error, etype ErrorType, msg string) error {
	if err == nil {
		return nil
	}
	return &TypedError{Msg: msg, Type: etype, Err: err}
}

// IsErrorType takes an error and checks if any error in its chain has the provided type
func IsErrorType(err error, etype ErrorType) bool {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Type == etype
	}
	return false
}
