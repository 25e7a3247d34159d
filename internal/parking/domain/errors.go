package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSpotNotFound = errors.New("parking spot not found")
	ErrOverlap      = errors.New("reservation overlaps an existing reservation")
)

type Kind string

const (
	KindInvalidArgument  Kind = "InvalidArgument"
	KindInvalidInterval  Kind = "InvalidInterval"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindStoreUnavailable Kind = "StoreUnavailable"
)

// Error is the structured failure returned by the parking services.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies err. Errors that carry no kind are reported as
// KindStoreUnavailable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreUnavailable
}

// Message returns the human readable part of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
