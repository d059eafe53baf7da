// Package lifecycle decides whether a status transition is legal for a kind of schedulable entity
// and derives coarse-grained predicates (starting, running, done, failed) from a status.
//
// Each entity kind is described by a static Definition. The transition matrix is keyed by the
// target status and lists the statuses from which that target may be reached; None stands for
// "no status recorded yet". Once an entity reaches a done status no further status is admitted.
package lifecycle

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Status string

// None is the status of an entity that has no status recorded yet.
const None Status = ""

func (s Status) String() string {
	if s == None {
		return "<none>"
	}
	return string(s)
}

type statusSet map[Status]bool

func newStatusSet(statuses ...Status) statusSet {
	s := make(statusSet, len(statuses))
	for _, status := range statuses {
		s[status] = true
	}
	return s
}

// Definition is the static configuration of one entity kind.
type Definition struct {
	Kind      string
	Values    []Status
	Starting  []Status
	Running   []Status
	Heartbeat []Status
	Done      []Status
	Failed    []Status
	// Transitions maps a target status to the statuses it may be reached from.
	Transitions map[Status][]Status
}

// Lifecycle is an immutable, goroutine-safe view over a Definition.
type Lifecycle struct {
	kind        string
	values      statusSet
	starting    statusSet
	running     statusSet
	heartbeat   statusSet
	done        statusSet
	failed      statusSet
	transitions map[Status]statusSet
}

// New builds a Lifecycle and checks that the definition only refers to its own values.
func New(def Definition) (*Lifecycle, error) {
	l := &Lifecycle{
		kind:        def.Kind,
		values:      newStatusSet(def.Values...),
		starting:    newStatusSet(def.Starting...),
		running:     newStatusSet(def.Running...),
		heartbeat:   newStatusSet(def.Heartbeat...),
		done:        newStatusSet(def.Done...),
		failed:      newStatusSet(def.Failed...),
		transitions: make(map[Status]statusSet, len(def.Transitions)),
	}
	for _, group := range [][]Status{def.Starting, def.Running, def.Heartbeat, def.Done, def.Failed} {
		for _, status := range group {
			if !l.values[status] {
				return nil, errors.Errorf("%s lifecycle: status %q is not a known value", def.Kind, status)
			}
		}
	}
	for to, froms := range def.Transitions {
		if !l.values[to] {
			return nil, errors.Errorf("%s lifecycle: transition target %q is not a known value", def.Kind, to)
		}
		for _, from := range froms {
			if from != None && !l.values[from] {
				return nil, errors.Errorf("%s lifecycle: transition source %q is not a known value", def.Kind, from)
			}
		}
		l.transitions[to] = newStatusSet(froms...)
	}
	return l, nil
}

// MustNew is New for package-level definitions.
func MustNew(def Definition) *Lifecycle {
	l, err := New(def)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Lifecycle) Kind() string {
	return l.kind
}

// Values returns every valid status of this kind in a stable order.
func (l *Lifecycle) Values() []Status {
	values := maps.Keys(l.values)
	slices.Sort(values)
	return values
}

func (l *Lifecycle) IsValid(status Status) bool {
	return l.values[status]
}

// CanTransition returns true iff to is a recognised value and from is one of its legal sources.
func (l *Lifecycle) CanTransition(from Status, to Status) bool {
	sources, ok := l.transitions[to]
	if !ok {
		return false
	}
	return sources[from]
}

func (l *Lifecycle) IsStarting(status Status) bool {
	return l.starting[status]
}

func (l *Lifecycle) IsRunning(status Status) bool {
	return l.running[status]
}

func (l *Lifecycle) IsHeartbeat(status Status) bool {
	return l.heartbeat[status]
}

func (l *Lifecycle) IsDone(status Status) bool {
	return l.done[status]
}

func (l *Lifecycle) Failed(status Status) bool {
	return l.failed[status]
}

func (l *Lifecycle) Succeeded(status Status) bool {
	return status == Succeeded
}

func (l *Lifecycle) Stopped(status Status) bool {
	return status == Stopped
}

func (l *Lifecycle) Skipped(status Status) bool {
	return status == Skipped
}

// Admit is the guard every status write goes through. The caller must hold whatever lock or
// transaction makes reading current and appending next atomic for the entity.
func (l *Lifecycle) Admit(current Status, next Status) error {
	if l.IsDone(current) {
		return &ErrEntityDone{Kind: l.kind, Current: current, Requested: next}
	}
	if !l.CanTransition(current, next) {
		return &ErrIllegalTransition{Kind: l.kind, From: current, To: next}
	}
	return nil
}

// ErrEntityDone is returned by Admit when the entity has already reached a done status.
type ErrEntityDone struct {
	Kind      string
	Current   Status
	Requested Status
}

func (err *ErrEntityDone) Error() string {
	return fmt.Sprintf("%s is already done with status %s, ignoring %s", err.Kind, err.Current, err.Requested)
}

// ErrIllegalTransition is returned by Admit when the transition matrix does not allow the change.
type ErrIllegalTransition struct {
	Kind string
	From Status
	To   Status
}

func (err *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", err.Kind, err.From, err.To)
}

// IsRejected returns true if err is one of the errors returned by Admit.
func IsRejected(err error) bool {
	var done *ErrEntityDone
	var illegal *ErrIllegalTransition
	return errors.As(err, &done) || errors.As(err, &illegal)
}
