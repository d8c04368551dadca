// Package syncerr holds the error taxonomy shared by the sync components.
// None of these errors is fatal; Classify maps any error onto a stable class
// for log fields and metric attributes.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class categorizes sync errors for retry and reporting decisions.
type Class string

const (
	// ClassTransient covers stream drops, fetch timeouts and probe failures.
	ClassTransient Class = "TRANSIENT"

	// ClassConflict means an optimistic mutation is already in flight.
	ClassConflict Class = "CONFLICT"

	// ClassRejected means the server refused a mutation.
	ClassRejected Class = "REJECTED"

	// ClassUnknownToken is a duplicate resolution of an optimistic token.
	ClassUnknownToken Class = "UNKNOWN_TOKEN"

	// ClassMalformed is an undecodable push message.
	ClassMalformed Class = "MALFORMED"

	// ClassNotFound means the entity is not in the store.
	ClassNotFound Class = "NOT_FOUND"

	ClassUnknown Class = "UNKNOWN"
)

// TransientNetworkError wraps a network failure that is retried automatically.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ConflictError is returned when an optimistic entry already exists for the entity.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("optimistic mutation already in flight for %s %s", e.Kind, e.ID)
}

// MutationRejectedError is a non-success response to a mutation request.
type MutationRejectedError struct {
	Kind   string
	ID     string
	Status int
	Reason string
}

func (e *MutationRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("update %s %s rejected (%d): %s", e.Kind, e.ID, e.Status, e.Reason)
	}
	return fmt.Sprintf("update %s %s rejected (%d)", e.Kind, e.ID, e.Status)
}

// UnknownTokenError is returned when a token was already resolved.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown optimistic token %q", e.Token)
}

// MalformedMessageError describes a push message that could not be decoded.
type MalformedMessageError struct {
	ID  string
	Err error
}

func (e *MalformedMessageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("malformed message %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// NotFoundError is returned when an operation targets an absent entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Transient wraps err as a TransientNetworkError unless it already is one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientNetworkError
	if errors.As(err, &te) {
		return err
	}
	return &TransientNetworkError{Op: op, Err: err}
}

// Classify returns the Class of err by walking its wrap chain.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var (
		transient *TransientNetworkError
		conflict  *ConflictError
		rejected  *MutationRejectedError
		token     *UnknownTokenError
		malformed *MalformedMessageError
		notFound  *NotFoundError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &conflict):
		return ClassConflict
	case errors.As(err, &rejected):
		return ClassRejected
	case errors.As(err, &token):
		return ClassUnknownToken
	case errors.As(err, &malformed):
		return ClassMalformed
	case errors.As(err, &notFound):
		return ClassNotFound
	case errors.As(err, &transient),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassUnknown
}

// IsUnknownToken reports whether err is a duplicate token resolution.
func IsUnknownToken(err error) bool {
	var token *UnknownTokenError
	return errors.As(err, &token)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
