// Package scheduler contains the task handlers moving experiments through their lifecycle,
// and the monitor ingesting job statuses from the cluster.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/tuner/internal/common/logging"
	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/cluster"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/repository"
	"github.com/G-Research/tuner/internal/tuner/spawner"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

const (
	StoppedMessage     = "Experiment was stopped"
	BuildFailedMessage = "Image build failed."
	NoBuildMessage     = "Could not start build process."
)

// StatusSetter records statuses and performs their effects.
type StatusSetter interface {
	SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, error)
}

type Config struct {
	Spawner spawner.Config
	// BuilderImage runs the build jobs of experiments requiring an image build.
	BuilderImage string
}

// ExperimentScheduler builds, starts, stops and re-evaluates experiments.
type ExperimentScheduler struct {
	store      repository.EntityStore
	statuses   StatusSetter
	clusterCtx cluster.ClusterContext
	tokens     spawner.TokenIssuer
	config     Config
	// Per experiment launch locks.
	launching sync.Map
}

func NewExperimentScheduler(
	store repository.EntityStore,
	statuses StatusSetter,
	clusterCtx cluster.ClusterContext,
	tokens spawner.TokenIssuer,
	config Config,
) *ExperimentScheduler {
	return &ExperimentScheduler{
		store:      store,
		statuses:   statuses,
		clusterCtx: clusterCtx,
		tokens:     tokens,
		config:     config,
	}
}

// Launch starts an experiment, building its image first if required. It returns false while
// the experiment waits for its build. Experiments that already started or are done are left alone.
func (s *ExperimentScheduler) Launch(ctx context.Context, experimentId string) (bool, error) {
	unlock := s.lock(experimentId)
	defer unlock()

	experiment, err := s.store.GetExperiment(experimentId)
	if err != nil {
		if tunererrors.IsNotFound(err) {
			logging.ForEntity(string(domain.KindExperiment), experimentId).Info("Experiment does not exist anymore")
			return true, nil
		}
		return false, err
	}
	switch experiment.Statuses.Current() {
	case lifecycle.None, lifecycle.Created, lifecycle.Resuming, lifecycle.Building:
	default:
		return true, nil
	}

	if experiment.Spec.BuildRequired {
		if experiment.BuildJobId == "" {
			return false, s.build(ctx, experiment)
		}
		buildStatus, err := s.store.CurrentStatus(domain.KindJob, experiment.BuildJobId)
		if err != nil {
			return false, err
		}
		if !lifecycle.Jobs.IsDone(buildStatus) {
			return false, nil
		}
		if !lifecycle.Jobs.Succeeded(buildStatus) {
			return true, s.fail(experiment.Id, BuildFailedMessage)
		}
	}
	return true, s.start(ctx, experiment)
}

func (s *ExperimentScheduler) lock(experimentId string) func() {
	value, _ := s.launching.LoadOrStore(experimentId, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (s *ExperimentScheduler) build(ctx context.Context, experiment *domain.Experiment) error {
	logger := logging.ForEntity(string(domain.KindExperiment), experiment.Id)
	current := experiment.Statuses.Current()
	if !lifecycle.Experiments.CanTransition(current, lifecycle.Building) {
		logger.Infof("Experiment cannot transition from %s to %s", current, lifecycle.Building)
		return nil
	}
	sp, err := spawner.NewSpawner(experiment, s.clusterCtx, s.tokens, s.config.Spawner)
	if err != nil {
		return s.fail(experiment.Id, err.Error())
	}
	build, err := sp.StartBuild(ctx, s.config.BuilderImage)
	if err != nil {
		if tunererrors.ClassFromError(err) == tunererrors.ClassConfiguration {
			logging.WithStacktrace(logger, err).Warn(NoBuildMessage)
			return s.fail(experiment.Id, NoBuildMessage)
		}
		return err
	}
	if err := s.createJob(experiment.Id, build); err != nil {
		return err
	}
	if err := s.store.SetBuildJob(experiment.Id, build.JobId); err != nil {
		return err
	}
	_, err = s.statuses.SetStatus(domain.KindExperiment, experiment.Id, lifecycle.Building, "")
	return err
}

// start creates the compute objects of every task and the jobs tracking them.
// Configuration errors fail the experiment; other errors are returned after the created objects were swept.
func (s *ExperimentScheduler) start(ctx context.Context, experiment *domain.Experiment) error {
	logger := logging.ForEntity(string(domain.KindExperiment), experiment.Id)
	sp, err := s.spawnerFor(experiment)
	if err != nil {
		return s.fail(experiment.Id, err.Error())
	}
	created, err := sp.Start(ctx)
	if err != nil {
		if stopErr := sp.Stop(ctx); stopErr != nil {
			logging.WithStacktrace(logger, stopErr).Warn("Failed to clean up after a failed start")
		}
		if tunererrors.ClassFromError(err) == tunererrors.ClassConfiguration {
			return s.fail(experiment.Id, err.Error())
		}
		return err
	}

	roles := maps.Keys(created)
	slices.Sort(roles)
	count := 0
	for _, role := range roles {
		for _, task := range created[role] {
			if err := s.createJob(experiment.Id, task); err != nil {
				return err
			}
			count++
		}
	}
	logger.WithField("tasks", count).Info("Experiment scheduled")
	_, err = s.statuses.SetStatus(domain.KindExperiment, experiment.Id, lifecycle.Scheduled, "")
	return err
}

func (s *ExperimentScheduler) createJob(experimentId string, task spawner.CreatedTask) error {
	job := &domain.Job{
		Id:           task.JobId,
		ExperimentId: experimentId,
		Role:         task.Role,
		Index:        task.Index,
	}
	if task.Pod != nil {
		job.PodName = task.Pod.Name
	}
	if err := s.store.CreateJob(job); err != nil {
		return err
	}
	_, err := s.statuses.SetStatus(domain.KindJob, job.Id, lifecycle.Created, "")
	return err
}

func (s *ExperimentScheduler) spawnerFor(experiment *domain.Experiment) (*spawner.Spawner, error) {
	sp, err := spawner.NewSpawner(experiment, s.clusterCtx, s.tokens, s.config.Spawner)
	if err != nil {
		return nil, err
	}
	if err := sp.SetCluster(experiment.Spec.Cluster, isDistributed(experiment.Spec)); err != nil {
		return nil, err
	}
	return sp, nil
}

func isDistributed(spec domain.ExperimentSpec) bool {
	for role, count := range spec.Cluster {
		if role != domain.TaskMaster && count > 0 {
			return true
		}
	}
	return false
}

func (s *ExperimentScheduler) fail(experimentId string, message string) error {
	_, err := s.statuses.SetStatus(domain.KindExperiment, experimentId, lifecycle.Failed, message)
	return err
}

// HandleBuild creates the build job of an experiment, or sends it straight to start if it needs no build.
func (s *ExperimentScheduler) HandleBuild(ctx context.Context, invocation dispatch.Invocation) (dispatch.Outcome, error) {
	experiment, err := s.store.GetExperiment(invocation.Get(tasks.ExperimentIdKey))
	if err != nil {
		return dispatch.Done(), err
	}
	if !experiment.Spec.BuildRequired {
		return dispatch.Then(tasks.StartExperiment(experiment.Id)), nil
	}
	unlock := s.lock(experiment.Id)
	defer unlock()
	experiment, err = s.store.GetExperiment(experiment.Id)
	if err != nil || experiment.BuildJobId != "" {
		return dispatch.Done(), err
	}
	return dispatch.Done(), s.build(ctx, experiment)
}

// HandleStart launches an experiment. One waiting for its build is started again once the build job is done.
func (s *ExperimentScheduler) HandleStart(ctx context.Context, invocation dispatch.Invocation) (dispatch.Outcome, error) {
	experimentId := invocation.Get(tasks.ExperimentIdKey)
	_, err := s.Launch(ctx, experimentId)
	if err != nil && !invocation.CanRetry() && tunererrors.ClassFromError(err) != tunererrors.ClassStale {
		logging.WithStacktrace(logging.ForEntity(string(domain.KindExperiment), experimentId), err).Error("Giving up starting experiment")
		return dispatch.Done(), s.fail(experimentId, fmt.Sprintf("Could not start the experiment: %s", err))
	}
	return dispatch.Done(), err
}

// HandleStop deletes the compute objects of an experiment and verifies they are gone, retrying
// while objects remain. The experiment is marked stopped once verification passes or the
// retries are exhausted, and only if the task asks for a status update.
func (s *ExperimentScheduler) HandleStop(ctx context.Context, invocation dispatch.Invocation) (dispatch.Outcome, error) {
	experiment, err := s.store.GetExperiment(invocation.Get(tasks.ExperimentIdKey))
	if err != nil {
		return dispatch.Done(), err
	}
	logger := logging.ForEntity(string(domain.KindExperiment), experiment.Id).WithField(logging.TaskAttempt, invocation.Retries)

	remaining, err := s.stopComputeObjects(ctx, experiment)
	if err != nil || len(remaining) > 0 {
		if invocation.CanRetry() {
			logger.WithField("remaining", remaining).Info("Compute objects still present, trying again")
			return dispatch.Retry(), nil
		}
		logger.WithFields(log.Fields{"remaining": remaining, "error": err}).Warn("Could not delete every compute object of the experiment")
	}

	if !tasks.UpdateStatus(invocation.Task.Payload) {
		return dispatch.Done(), nil
	}
	message := invocation.Get(tasks.MessageKey)
	if message == "" {
		message = StoppedMessage
	}
	_, err = s.statuses.SetStatus(domain.KindExperiment, experiment.Id, lifecycle.Stopped, message)
	return dispatch.Done(), err
}

func (s *ExperimentScheduler) stopComputeObjects(ctx context.Context, experiment *domain.Experiment) ([]string, error) {
	sp, err := s.spawnerFor(experiment)
	if err != nil {
		// Nothing can have been created for an experiment whose topology does not resolve.
		return nil, nil
	}
	if err := sp.Stop(ctx); err != nil {
		logging.WithStacktrace(logging.ForEntity(string(domain.KindExperiment), experiment.Id), err).Warn("Failed to delete compute objects")
	}
	return sp.Remaining(ctx)
}

// HandleCheckStatus recomputes an experiment's status from its jobs.
func (s *ExperimentScheduler) HandleCheckStatus(ctx context.Context, invocation dispatch.Invocation) (dispatch.Outcome, error) {
	experimentId := invocation.Get(tasks.ExperimentIdKey)
	current, err := s.store.CurrentStatus(domain.KindExperiment, experimentId)
	if err != nil {
		return dispatch.Done(), err
	}
	if lifecycle.Experiments.IsDone(current) {
		return dispatch.Done(), nil
	}
	jobs, err := s.store.JobsForExperiment(experimentId)
	if err != nil {
		return dispatch.Done(), err
	}
	status, message, ok := ExperimentStatusFromJobs(jobs)
	if !ok || status == current {
		return dispatch.Done(), nil
	}
	_, err = s.statuses.SetStatus(domain.KindExperiment, experimentId, status, message)
	return dispatch.Done(), errors.WithMessagef(err, "failed to set status of experiment %s", experimentId)
}
