// Package dispatch runs named task handlers asynchronously with at-least-once delivery.
//
// Handlers never reschedule themselves. They return an Outcome (done, retry, or follow-up tasks)
// and the dispatcher applies the RetryPolicy the task was registered with, so "what to retry" is
// kept apart from "how work is rescheduled".
package dispatch

import (
	"context"
	"fmt"
	"time"
)

type Payload map[string]string

type Task struct {
	Name      string
	Payload   Payload
	Countdown time.Duration
}

func (t Task) String() string {
	return fmt.Sprintf("%s%v", t.Name, t.Payload)
}

// RetryPolicy says how often and how many times a task asking to be retried is re-run.
// A negative MaxRetries means polling is unbounded.
type RetryPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// Unbounded polls at a fixed interval forever.
func Unbounded(interval time.Duration) RetryPolicy {
	return RetryPolicy{Interval: interval, MaxRetries: -1}
}

// Bounded retries at most maxRetries times.
func Bounded(interval time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicy{Interval: interval, MaxRetries: maxRetries}
}

// NoRetry never retries.
var NoRetry = RetryPolicy{}

// Allows reports whether a task that has already been retried `retries` times may be retried again.
func (p RetryPolicy) Allows(retries int) bool {
	return p.MaxRetries < 0 || retries < p.MaxRetries
}

// Invocation is one execution of a task.
type Invocation struct {
	Task Task
	// Retries is the number of times this task has already been retried.
	Retries int
	Policy  RetryPolicy
}

// CanRetry reports whether returning Retry() from this invocation will re-run the task.
func (i Invocation) CanRetry() bool {
	return i.Policy.Allows(i.Retries)
}

func (i Invocation) Get(key string) string {
	return i.Task.Payload[key]
}

// Outcome is what a handler asks the dispatcher to do next.
type Outcome struct {
	retry bool
	next  []Task
}

func Done() Outcome {
	return Outcome{}
}

func Retry() Outcome {
	return Outcome{retry: true}
}

func Then(tasks ...Task) Outcome {
	return Outcome{next: tasks}
}

func (o Outcome) ShouldRetry() bool {
	return o.retry
}

func (o Outcome) Next() []Task {
	return o.next
}

func (o Outcome) String() string {
	switch {
	case o.retry:
		return "retry"
	case len(o.next) > 0:
		return "then"
	default:
		return "done"
	}
}

type Handler func(ctx context.Context, invocation Invocation) (Outcome, error)

type Dispatcher interface {
	Send(task Task) error
}
