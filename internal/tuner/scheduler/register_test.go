package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

type registration struct {
	policy  dispatch.RetryPolicy
	handler dispatch.Handler
}

type mapRegistrar map[string]registration

func (r mapRegistrar) Register(name string, policy dispatch.RetryPolicy, handler dispatch.Handler) {
	r[name] = registration{policy: policy, handler: handler}
}

type recordingSteps struct {
	calls []string
}

func (s *recordingSteps) step(name string) func(context.Context, string) (dispatch.Outcome, error) {
	return func(ctx context.Context, groupId string) (dispatch.Outcome, error) {
		s.calls = append(s.calls, name+":"+groupId)
		return dispatch.Done(), nil
	}
}

func (s *recordingSteps) Create(ctx context.Context, groupId string) (dispatch.Outcome, error) {
	return s.step("create")(ctx, groupId)
}

func (s *recordingSteps) Start(ctx context.Context, groupId string) (dispatch.Outcome, error) {
	return s.step("start")(ctx, groupId)
}

func (s *recordingSteps) Iterate(ctx context.Context, groupId string) (dispatch.Outcome, error) {
	return s.step("iterate")(ctx, groupId)
}

func TestRegisterTasks(t *testing.T) {
	env := newTestEnv(t)
	registrar := mapRegistrar{}
	steps := &recordingSteps{}

	RegisterTasks(registrar, env.scheduler, steps, time.Second, 5)

	assert.Len(t, registrar, 8)
	assert.Equal(t, dispatch.Bounded(time.Second, 5), registrar[tasks.ExperimentsStop].policy)
	assert.Equal(t, dispatch.Bounded(time.Second, 3), registrar[tasks.ExperimentsStart].policy)
	assert.Equal(t, dispatch.Unbounded(time.Second), registrar[tasks.HyperbandIterate].policy)
	assert.Equal(t, dispatch.NoRetry, registrar[tasks.HyperbandCheck].policy)

	for _, task := range []dispatch.Task{
		tasks.CreateHyperband("g1"),
		tasks.StartHyperband("g1"),
		tasks.IterateHyperband("g1", 0),
		tasks.CheckHyperband("g1", 0),
	} {
		registered, ok := registrar[task.Name]
		require.True(t, ok, task.Name)
		_, err := registered.handler(context.Background(), dispatch.Invocation{Task: task})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"create:g1", "start:g1", "iterate:g1", "iterate:g1"}, steps.calls)
}
