package effects

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tuner/internal/common/logging"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

// StatusStore is the part of the entity store the executor needs.
type StatusStore interface {
	SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, []Effect, error)
	JobsForExperiment(experimentId string) ([]*domain.Job, error)
	NonDoneExperiments(groupId string) ([]string, error)
}

type JobTracker interface {
	RemoveJob(jobId string) error
}

type StreamMonitor interface {
	StopMonitoringJob(jobId string) error
	StopMonitoringExperiment(experimentId string) error
}

// Executor performs effects. Every effect is attempted; failures are collected and returned together.
type Executor struct {
	store      StatusStore
	dispatcher dispatch.Dispatcher
	jobs       JobTracker
	streams    StreamMonitor
}

func NewExecutor(store StatusStore, dispatcher dispatch.Dispatcher, jobs JobTracker, streams StreamMonitor) *Executor {
	return &Executor{
		store:      store,
		dispatcher: dispatcher,
		jobs:       jobs,
		streams:    streams,
	}
}

// SetStatus records a status and performs the effects of the transition if it was accepted.
// A rejected transition is not an error; it is reported as false.
func (e *Executor) SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, error) {
	accepted, effects, err := e.store.SetStatus(kind, id, status, message)
	if err != nil || !accepted {
		return accepted, err
	}
	return true, e.Execute(effects)
}

func (e *Executor) Execute(effects []Effect) error {
	var result *multierror.Error
	for _, effect := range effects {
		if err := e.execute(effect); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "failed to %s", effect))
		}
	}
	return result.ErrorOrNil()
}

func (e *Executor) execute(effect Effect) error {
	switch effect := effect.(type) {
	case Audit:
		logging.ForEntity(string(effect.Kind), effect.EntityId).
			WithField("event", effect.Event).
			WithField(logging.PreviousStatus, effect.Previous.String()).
			WithField(logging.Status, effect.Status.String()).
			Info(auditMessage(effect))
		return nil
	case Dispatch:
		return e.dispatcher.Send(effect.Task)
	case StopTrackingJob:
		var result *multierror.Error
		result = multierror.Append(result, e.jobs.RemoveJob(effect.JobId))
		result = multierror.Append(result, e.streams.StopMonitoringJob(effect.JobId))
		return result.ErrorOrNil()
	case StopMonitoringExperiment:
		return e.streams.StopMonitoringExperiment(effect.ExperimentId)
	case SetJobsStatus:
		jobs, err := e.store.JobsForExperiment(effect.ExperimentId)
		if err != nil {
			return err
		}
		var result *multierror.Error
		for _, job := range jobs {
			if lifecycle.Jobs.IsDone(job.Statuses.Current()) {
				continue
			}
			if _, err := e.SetStatus(domain.KindJob, job.Id, effect.Status, effect.Message); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	case StopGroupExperiments:
		ids, err := e.store.NonDoneExperiments(effect.GroupId)
		if err != nil {
			return err
		}
		var result *multierror.Error
		for _, id := range ids {
			if err := e.dispatcher.Send(tasks.StopExperiment(id, true, effect.Message)); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}
	log.Warnf("ignoring unknown effect %T", effect)
	return nil
}

func auditMessage(effect Audit) string {
	if effect.Message == "" {
		return effect.Event
	}
	return effect.Event + ": " + effect.Message
}
