package logging

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	Stacktrace     = "stacktrace"
	EntityKind     = "kind"
	EntityId       = "id"
	TaskName       = "task"
	TaskAttempt    = "attempt"
	PreviousStatus = "previousStatus"
	Status         = "status"
)

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// ForEntity returns a logrus.Entry tagged with the kind and id of the entity being processed.
func ForEntity(kind string, id string) *log.Entry {
	return log.WithFields(log.Fields{EntityKind: kind, EntityId: id})
}

// WithStacktrace returns a new logrus.Entry obtained by adding error information and, if available, a stack trace
// as fields to the provided logrus.Entry.
func WithStacktrace(logger *log.Entry, err error) *log.Entry {
	logger = logger.WithError(err)
	stack := ExtractStack(err)
	if stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the list of errors and retrieves the first errors.StackTrace it encounters
// If no stacktraces are found, it returns nil
func ExtractStack(err error) errors.StackTrace {
	if stackErr, ok := err.(stackTracer); ok {
		return stackErr.StackTrace()
	} else if causeErr, ok := err.(causer); ok {
		return ExtractStack(causeErr.Cause())
	}
	return nil
}
