// Package tunererrors contains generic errors returned by the tuner control plane.
// Handlers look for the error types defined in this file to decide whether a failure is
// terminal (configuration), recoverable (transient) or an expected race that should be ignored (stale).
//
// If multiple errors occur in some function (e.g., deleting several compute objects), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package tunererrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "experiment" or "job"
	Value   string // Resource name, e.g., "01gk3y..."
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "maxIter"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrConfiguration is returned when an entity can never make progress with its current configuration,
// e.g., a search policy that produces no candidates or a missing placement template.
type ErrConfiguration struct {
	Entity  string
	Message string
}

func (err *ErrConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", err.Entity, err.Message)
}

// ErrNotReady is returned when an operation depends on something that has not happened yet.
// Callers should retry after a backoff.
type ErrNotReady struct {
	Entity  string
	Message string
}

func (err *ErrNotReady) Error() string {
	return fmt.Sprintf("%s is not ready: %s", err.Entity, err.Message)
}

// ErrCreateResource is returned when a compute object could not be created in the cluster.
type ErrCreateResource struct {
	Type    string
	Name    string
	Message string
}

func (err *ErrCreateResource) Error() string {
	return fmt.Sprintf("failed to create %s %q: %s", err.Type, err.Name, err.Message)
}

// Class groups errors by how the caller is expected to react to them.
type Class int

const (
	ClassUnknown Class = iota
	// ClassConfiguration errors are terminal; the owning entity is marked failed.
	ClassConfiguration
	// ClassTransient errors are retried with a fixed backoff.
	ClassTransient
	// ClassStale errors are expected races and are silently ignored.
	ClassStale
)

func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassTransient:
		return "transient"
	case ClassStale:
		return "stale"
	default:
		return "unknown"
	}
}

// ClassFromError maps error types to a Class.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func ClassFromError(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	{
		var e *ErrConfiguration
		if errors.As(err, &e) {
			return ClassConfiguration
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return ClassConfiguration
		}
	}
	{
		var e *ErrNotReady
		if errors.As(err, &e) {
			return ClassTransient
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return ClassStale
		}
	}
	return ClassUnknown
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
