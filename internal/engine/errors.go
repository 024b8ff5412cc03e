package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand = errors.New("unknown engine command")
	ErrTimeout        = errors.New("engine call timed out")
	ErrMalformed      = errors.New("malformed engine response")
	ErrEmptyResponse  = errors.New("empty engine response")
)

// TransportError is a process or communication failure: the engine could not
// be reached, exited abnormally, timed out or produced unreadable output.
type TransportError struct {
	Command Command
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine %s transport: %v", e.Command, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError is a well-formed response with success=false.
type RejectedError struct {
	Command Command
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine %s rejected", e.Command)
	}
	return fmt.Sprintf("engine %s rejected: %s", e.Command, e.Message)
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
