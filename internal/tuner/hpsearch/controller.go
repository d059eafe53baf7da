package hpsearch

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tuner/internal/common/logging"
	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/metrics"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

const (
	NoSuggestionsMessage      = "Experiment group could not create new suggestions."
	DuplicateIterationMessage = "Iteration already has experiments."
)

// StatusSetter records statuses and performs their effects.
type StatusSetter interface {
	SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, error)
}

// Launcher begins building or scheduling an experiment. It returns false while the
// experiment cannot start yet, e.g. because its build job has not finished.
// Launching an experiment that already started is a no-op returning true.
type Launcher interface {
	Launch(ctx context.Context, experimentId string) (bool, error)
}

type PolicyFactory func(config domain.HyperbandConfig) (SearchPolicy, error)

func DefaultPolicyFactory(config domain.HyperbandConfig) (SearchPolicy, error) {
	return NewHyperbandPolicy(config)
}

// Controller runs the create, start and iterate steps of a hyperband search.
// Each step returns the outcome the dispatcher acts on: retry the step later, continue with
// the next step, or stop. A step on a group that is no longer running does nothing.
type Controller struct {
	store      Store
	statuses   StatusSetter
	launcher   Launcher
	iterations *IterationManager
	policies   PolicyFactory
}

func NewController(store Store, statuses StatusSetter, launcher Launcher, policies PolicyFactory) *Controller {
	if policies == nil {
		policies = DefaultPolicyFactory
	}
	return &Controller{
		store:      store,
		statuses:   statuses,
		launcher:   launcher,
		iterations: NewIterationManager(store),
		policies:   policies,
	}
}

// Create creates one experiment per suggested configuration of a new iteration.
// A group that has not started claims its first iteration here; later iterations are
// claimed by Iterate before it schedules Create.
func (c *Controller) Create(ctx context.Context, groupId string) (dispatch.Outcome, error) {
	group, policy, ok, err := c.runningGroup(groupId, true)
	if err != nil || !ok {
		return dispatch.Done(), err
	}
	state := group.Iteration
	if state == nil {
		var claimed bool
		state, claimed, err = c.iterations.CreateIteration(groupId, nil)
		if err != nil || !claimed {
			return dispatch.Done(), err
		}
	} else if len(state.ExperimentIds) > 0 || state.BracketIteration > 0 {
		// Later rungs are materialised by Iterate from the reduced configurations.
		logging.ForEntity(string(domain.KindExperimentGroup), groupId).Debug("Iteration already has experiments")
		return dispatch.Done(), nil
	}
	return c.materialise(group, state, policy.Suggest(state), "create")
}

// Start launches the experiments of the current rung; it is retried until all of them could start.
func (c *Controller) Start(ctx context.Context, groupId string) (dispatch.Outcome, error) {
	group, _, ok, err := c.runningGroup(groupId, false)
	if err != nil || !ok {
		return dispatch.Done(), err
	}
	if group.Iteration == nil {
		return dispatch.Done(), nil
	}
	logger := logging.ForEntity(string(domain.KindExperimentGroup), groupId)
	pending := 0
	for _, experimentId := range group.Iteration.ExperimentIds {
		started, err := c.launcher.Launch(ctx, experimentId)
		if err != nil {
			logging.WithStacktrace(logger, err).WithField("experiment", experimentId).Warn("Failed to launch experiment")
			pending++
			continue
		}
		if !started {
			pending++
		}
	}
	if pending > 0 {
		logger.Debugf("%d experiments cannot start yet", pending)
		return dispatch.Retry(), nil
	}
	return dispatch.Then(tasks.IterateHyperband(groupId, 0)), nil
}

// Iterate waits for the current rung to finish, then reschedules, reduces or finishes the search.
func (c *Controller) Iterate(ctx context.Context, groupId string) (dispatch.Outcome, error) {
	group, policy, ok, err := c.runningGroup(groupId, false)
	if err != nil || !ok {
		return dispatch.Done(), err
	}
	if group.Iteration == nil {
		return dispatch.Done(), nil
	}
	if len(group.Iteration.ExperimentIds) == 0 {
		// Claimed by another invocation that has not created its experiments yet.
		return dispatch.Done(), nil
	}
	running, err := c.runningExperiments(group.Iteration)
	if err != nil {
		return dispatch.Done(), err
	}
	if running > 0 {
		return dispatch.Retry(), nil
	}

	state, candidates, err := c.iterations.UpdateIteration(group)
	if err != nil {
		return dispatch.Done(), err
	}
	logger := logging.ForEntity(string(domain.KindExperimentGroup), groupId).WithFields(log.Fields{
		"iteration":        state.Iteration,
		"bracketIteration": state.BracketIteration,
	})

	switch {
	case policy.ShouldReschedule(state.Iteration, state.BracketIteration):
		_, claimed, err := c.iterations.CreateIteration(groupId, state)
		if err != nil || !claimed {
			return dispatch.Done(), err
		}
		metrics.HyperbandIterations.WithLabelValues("reschedule").Inc()
		logger.Info("Bracket finished, scheduling the next one")
		return dispatch.Then(tasks.CreateHyperband(groupId)), nil
	case policy.ShouldReduceConfigs(state.Iteration, state.BracketIteration):
		suggestions := policy.ReduceConfigs(state, candidates)
		next, claimed, err := c.iterations.NextBracketIteration(groupId, state)
		if err != nil || !claimed {
			return dispatch.Done(), err
		}
		logger.Infof("Promoting %d configurations to the next rung", len(suggestions))
		return c.materialise(group, next, suggestions, "reduce")
	default:
		metrics.HyperbandIterations.WithLabelValues("finish").Inc()
		logger.Info("Search finished")
		_, err := c.statuses.SetStatus(domain.KindExperimentGroup, groupId, lifecycle.Succeeded, "")
		return dispatch.Done(), err
	}
}

// runningExperiments counts the experiments of the rung that are not done yet.
func (c *Controller) runningExperiments(state *domain.IterationState) (int, error) {
	running := 0
	for _, id := range state.ExperimentIds {
		experiment, err := c.store.GetExperiment(id)
		if err != nil {
			return 0, err
		}
		if !lifecycle.Experiments.IsDone(experiment.Statuses.Current()) {
			running++
		}
	}
	return running, nil
}

// runningGroup loads a group and its policy. False means the step should do nothing,
// either because the group is done or because it just failed on its configuration.
func (c *Controller) runningGroup(groupId string, markRunning bool) (*domain.ExperimentGroup, SearchPolicy, bool, error) {
	group, err := c.store.GetGroup(groupId)
	if err != nil {
		return nil, nil, false, err
	}
	current := group.Statuses.Current()
	if lifecycle.ExperimentGroups.IsDone(current) {
		return nil, nil, false, nil
	}
	policy, err := c.policies(group.Search)
	if err != nil {
		_, setErr := c.statuses.SetStatus(domain.KindExperimentGroup, groupId, lifecycle.Failed, err.Error())
		return nil, nil, false, setErr
	}
	if current != lifecycle.Running {
		if !markRunning {
			return nil, nil, false, nil
		}
		if _, err := c.statuses.SetStatus(domain.KindExperimentGroup, groupId, lifecycle.Running, ""); err != nil {
			return nil, nil, false, err
		}
	}
	return group, policy, true, nil
}

// materialise creates the experiments of a rung and records them in the iteration state.
// Failing to create them is terminal for the group.
func (c *Controller) materialise(group *domain.ExperimentGroup, state *domain.IterationState, suggestions []domain.Suggestion, decision string) (dispatch.Outcome, error) {
	logger := logging.ForEntity(string(domain.KindExperimentGroup), group.Id)
	if len(suggestions) == 0 {
		metrics.HyperbandIterations.WithLabelValues("no_suggestions").Inc()
		logger.Warn(NoSuggestionsMessage)
		_, err := c.statuses.SetStatus(domain.KindExperimentGroup, group.Id, lifecycle.Failed, NoSuggestionsMessage)
		return dispatch.Done(), err
	}
	ids := make([]string, 0, len(suggestions))
	for i, suggestion := range suggestions {
		id, err := c.createExperiment(group, state, i, suggestion)
		if err != nil {
			logging.WithStacktrace(logger, err).Error("Failed to create experiments")
			if _, setErr := c.statuses.SetStatus(domain.KindExperimentGroup, group.Id, lifecycle.Failed, err.Error()); setErr != nil {
				return dispatch.Done(), setErr
			}
			return dispatch.Done(), nil
		}
		ids = append(ids, id)
	}
	_, recorded, err := c.iterations.AddIterationExperiments(group.Id, state, ids)
	if err != nil {
		return dispatch.Done(), err
	}
	if !recorded {
		logger.WithField("iteration", state.Iteration).Info("Iteration was materialised concurrently, skipping duplicate experiments")
		return dispatch.Done(), c.skipExperiments(ids)
	}
	metrics.HyperbandIterations.WithLabelValues(decision).Inc()
	logger.WithField("iteration", state.Iteration).Infof("Created %d experiments", len(ids))
	return dispatch.Then(tasks.StartHyperband(group.Id)), nil
}

// skipExperiments retires experiments that lost the race to be recorded in the iteration state.
func (c *Controller) skipExperiments(ids []string) error {
	var result *multierror.Error
	for _, id := range ids {
		if _, err := c.statuses.SetStatus(domain.KindExperiment, id, lifecycle.Skipped, DuplicateIterationMessage); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Controller) createExperiment(group *domain.ExperimentGroup, state *domain.IterationState, index int, suggestion domain.Suggestion) (string, error) {
	params := make(map[string]float64, len(suggestion))
	for name, value := range suggestion {
		params[name] = value
	}
	experiment := &domain.Experiment{
		Id:      util.NewULID(),
		GroupId: group.Id,
		Name:    fmt.Sprintf("%s-%d-%d-%d", group.Name, state.Iteration, state.BracketIteration, index),
		Spec:    group.Template,
		Params:  params,
	}
	if err := c.store.CreateExperiment(experiment); err != nil {
		return "", err
	}
	accepted, err := c.statuses.SetStatus(domain.KindExperiment, experiment.Id, lifecycle.Created, "")
	if err != nil {
		return "", err
	}
	if !accepted {
		return "", errors.WithStack(&tunererrors.ErrConfiguration{Entity: experiment.Id, Message: "experiment was not accepted as created"})
	}
	return experiment.Id, nil
}
