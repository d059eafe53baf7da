package scheduler

import (
	"context"
	"time"

	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

// GroupSteps are the steps of a group search, each taking the group id.
type GroupSteps interface {
	Create(ctx context.Context, groupId string) (dispatch.Outcome, error)
	Start(ctx context.Context, groupId string) (dispatch.Outcome, error)
	Iterate(ctx context.Context, groupId string) (dispatch.Outcome, error)
}

type Registrar interface {
	Register(name string, policy dispatch.RetryPolicy, handler dispatch.Handler)
}

// RegisterTasks registers every task handler with its retry policy.
// Waiting for builds and experiments polls without bound; stopping compute objects is retried stopMaxRetries times.
func RegisterTasks(registrar Registrar, experiments *ExperimentScheduler, groups GroupSteps, interval time.Duration, stopMaxRetries int) {
	registrar.Register(tasks.ExperimentsBuild, dispatch.Bounded(interval, 3), experiments.HandleBuild)
	registrar.Register(tasks.ExperimentsStart, dispatch.Bounded(interval, 3), experiments.HandleStart)
	registrar.Register(tasks.ExperimentsStop, dispatch.Bounded(interval, stopMaxRetries), experiments.HandleStop)
	registrar.Register(tasks.ExperimentsCheckStatus, dispatch.Bounded(interval, 3), experiments.HandleCheckStatus)

	registrar.Register(tasks.HyperbandCreate, dispatch.Bounded(interval, 3), groupHandler(groups.Create))
	registrar.Register(tasks.HyperbandStart, dispatch.Unbounded(interval), groupHandler(groups.Start))
	registrar.Register(tasks.HyperbandIterate, dispatch.Unbounded(interval), groupHandler(groups.Iterate))
	// A check is a single evaluation; the iterate chain keeps polling.
	registrar.Register(tasks.HyperbandCheck, dispatch.NoRetry, groupHandler(groups.Iterate))
}

func groupHandler(step func(ctx context.Context, groupId string) (dispatch.Outcome, error)) dispatch.Handler {
	return func(ctx context.Context, invocation dispatch.Invocation) (dispatch.Outcome, error) {
		return step(ctx, invocation.Get(tasks.GroupIdKey))
	}
}
