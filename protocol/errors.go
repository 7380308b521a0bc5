package protocol

import (
	"errors"
)

// ErrorKind identifies a kind of dispatch error.  It has full support for
// errors.Is and errors.As, so the caller can directly check against an error
// kind when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrCorruptState indicates the persisted state of an instance could
	// not be decoded. The instance cannot make progress.
	ErrCorruptState = ErrorKind("ErrCorruptState")

	// ErrUnknownMessage indicates the message id is not declared by the
	// protocol.
	ErrUnknownMessage = ErrorKind("ErrUnknownMessage")

	// ErrDecodeMessage indicates the message inputs are malformed.
	ErrDecodeMessage = ErrorKind("ErrDecodeMessage")

	// ErrNoMatchingStep indicates no step accepts the message in the
	// current state and reception channel.
	ErrNoMatchingStep = ErrorKind("ErrNoMatchingStep")

	// ErrAmbiguousStep indicates more than one step accepts the message.
	// Step declarations must prevent this.
	ErrAmbiguousStep = ErrorKind("ErrAmbiguousStep")

	// ErrFinalState indicates the instance already reached a final state.
	ErrFinalState = ErrorKind("ErrFinalState")

	// ErrUnknownProtocol indicates no definition is registered for the
	// protocol id.
	ErrUnknownProtocol = ErrorKind("ErrUnknownProtocol")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// ContextError wraps an error with additional context.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific wrapped
// error.
//
// RawErr contains the original error in the case where an error has been
// converted.
type ContextError struct {
	Err         error
	Description string
	RawErr      error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ContextError) Error() string {
	return e.Description
}

// Is calls errors.Is on both the Err and RawErr fields, in that order.
func (e ContextError) Is(err error) bool {
	if errors.Is(e.Err, err) {
		return true
	}
	return errors.Is(e.RawErr, err)
}

// As calls errors.As on both the Err and RawErr fields, in that order.
func (e ContextError) As(target interface{}) bool {
	if errors.As(e.Err, target) {
		return true
	}
	return errors.As(e.RawErr, target)
}

// contextError creates a ContextError given a set of arguments.
func contextError(kind ErrorKind, desc string, rawErr error) ContextError {
	return ContextError{Err: kind, Description: desc, RawErr: rawErr}
}

// ErrNoAcceptableChannel is returned by essential sends when no channel
// reaches the destination.
var ErrNoAcceptableChannel = errors.New("no acceptable channel")
