package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simple = MustNew(Definition{
	Kind:   "simple",
	Values: []Status{Created, Running, Succeeded},
	Done:   []Status{Succeeded},
	Transitions: map[Status][]Status{
		Created:   {None},
		Running:   {Created},
		Succeeded: {Running},
	},
})

// record applies the same guard the entity store applies to its writes.
func record(l *Lifecycle, history []Status, next Status) ([]Status, bool) {
	current := None
	if len(history) > 0 {
		current = history[len(history)-1]
	}
	if err := l.Admit(current, next); err != nil {
		return history, false
	}
	return append(history, next), true
}

func TestAdmit_LegalTransitionScenario(t *testing.T) {
	var history []Status
	var ok bool

	history, ok = record(simple, history, Running)
	assert.False(t, ok, "running without a prior created must be rejected")
	assert.Empty(t, history)

	history, ok = record(simple, history, Created)
	assert.True(t, ok)
	history, ok = record(simple, history, Running)
	assert.True(t, ok)

	history, ok = record(simple, history, Created)
	assert.False(t, ok)
	assert.Equal(t, []Status{Created, Running}, history)
}

func TestAdmit_DoneIsTerminal(t *testing.T) {
	for _, l := range []*Lifecycle{Jobs, Experiments, ExperimentGroups, simple} {
		for _, done := range l.Values() {
			if !l.IsDone(done) {
				continue
			}
			for _, next := range l.Values() {
				err := l.Admit(done, next)
				var doneErr *ErrEntityDone
				assert.ErrorAs(t, err, &doneErr, "%s: %s -> %s", l.Kind(), done, next)
				assert.True(t, IsRejected(err))
			}
		}
	}
}

func TestAdmit_IllegalTransition(t *testing.T) {
	err := Jobs.Admit(Created, Created)
	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, Created, illegal.From)
	assert.True(t, IsRejected(err))
	assert.NoError(t, Jobs.Admit(Created, Scheduled))
}

func TestCanTransition_InitialStatuses(t *testing.T) {
	tests := map[string]struct {
		lifecycle *Lifecycle
		initial   []Status
	}{
		"jobs":        {Jobs, []Status{Created, Building}},
		"experiments": {Experiments, []Status{Created, Resuming}},
		"groups":      {ExperimentGroups, []Status{Created}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			expected := newStatusSet(tc.initial...)
			for _, s := range tc.lifecycle.Values() {
				assert.Equal(t, expected[s], tc.lifecycle.CanTransition(None, s), "status %s", s)
			}
		})
	}
}

func TestCanTransition_OnlyMatrixPairs(t *testing.T) {
	for _, l := range []*Lifecycle{Jobs, Experiments, ExperimentGroups} {
		candidates := append([]Status{None}, l.Values()...)
		for _, from := range candidates {
			for _, to := range l.Values() {
				assert.Equal(t, l.transitions[to][from], l.CanTransition(from, to), "%s: %s -> %s", l.Kind(), from, to)
			}
		}
	}
}

func TestCanTransition_UnknownTarget(t *testing.T) {
	assert.False(t, Jobs.CanTransition(None, "exploded"))
	assert.False(t, Jobs.CanTransition(Created, "exploded"))
	assert.False(t, ExperimentGroups.CanTransition(Created, Scheduled))
}

func TestJobs_StoppedReachableFromAnyNonStopped(t *testing.T) {
	for _, s := range Jobs.Values() {
		assert.Equal(t, s != Stopped, Jobs.CanTransition(s, Stopped), "from %s", s)
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, Jobs.IsStarting(Created))
	assert.True(t, Jobs.IsRunning(Scheduled))
	assert.False(t, Jobs.IsRunning(Succeeded))
	assert.True(t, Jobs.IsHeartbeat(Running))
	assert.True(t, Jobs.IsDone(Stopped))
	assert.True(t, Jobs.Failed(Failed))
	assert.False(t, Jobs.Failed(Stopped))
	assert.True(t, Experiments.Succeeded(Succeeded))
	assert.True(t, Experiments.Stopped(Stopped))
	assert.True(t, Experiments.Skipped(Skipped))
	assert.True(t, Experiments.IsDone(Skipped))
	assert.False(t, Jobs.IsDone(None))
	assert.True(t, Jobs.IsValid(Unknown))
	assert.False(t, ExperimentGroups.IsValid(Unknown))
}

func TestNew_RejectsUnknownStatuses(t *testing.T) {
	_, err := New(Definition{
		Kind:        "broken",
		Values:      []Status{Created},
		Transitions: map[Status][]Status{Running: {Created}},
	})
	assert.Error(t, err)

	_, err = New(Definition{
		Kind:        "broken",
		Values:      []Status{Created},
		Transitions: map[Status][]Status{Created: {Running}},
	})
	assert.Error(t, err)

	_, err = New(Definition{Kind: "broken", Values: []Status{Created}, Done: []Status{Failed}})
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "<none>", None.String())
	assert.Equal(t, "running", Running.String())
}
