// Package effects describes the side effects of status transitions.
//
// Status writes never perform their cascades themselves. The entity store returns the effects
// of an accepted transition and an Executor performs them, so every cascade can be asserted on
// in tests without a live dispatcher or tracker.
package effects

import (
	"fmt"
	"time"

	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

const (
	MasterIsDone         = "Master is done."
	GroupWasStopped      = "Experiment group was stopped."
	checkStatusCountdown = time.Second
)

type Effect interface {
	fmt.Stringer
}

// Audit records an event in the audit log.
type Audit struct {
	Kind     domain.Kind
	EntityId string
	Event    string
	Previous lifecycle.Status
	Status   lifecycle.Status
	Message  string
}

func (e Audit) String() string {
	return fmt.Sprintf("audit %s %s", e.Event, e.EntityId)
}

// Dispatch sends a task.
type Dispatch struct {
	Task dispatch.Task
}

func (e Dispatch) String() string {
	return fmt.Sprintf("dispatch %s", e.Task)
}

// StopTrackingJob removes a job's containers from the tracker and drops its stream subscriptions.
type StopTrackingJob struct {
	JobId string
}

func (e StopTrackingJob) String() string {
	return fmt.Sprintf("stop tracking job %s", e.JobId)
}

// StopMonitoringExperiment drops the stream subscriptions of an experiment.
type StopMonitoringExperiment struct {
	ExperimentId string
}

func (e StopMonitoringExperiment) String() string {
	return fmt.Sprintf("stop monitoring experiment %s", e.ExperimentId)
}

// SetJobsStatus records a status on every job of an experiment that is not done yet.
type SetJobsStatus struct {
	ExperimentId string
	Status       lifecycle.Status
	Message      string
}

func (e SetJobsStatus) String() string {
	return fmt.Sprintf("set jobs of %s to %s", e.ExperimentId, e.Status)
}

// StopGroupExperiments stops every experiment of a group that is not done yet.
type StopGroupExperiments struct {
	GroupId string
	Message string
}

func (e StopGroupExperiments) String() string {
	return fmt.Sprintf("stop experiments of group %s", e.GroupId)
}

// ForJob returns the effects of a job moving from previous to status.
func ForJob(job *domain.Job, previous lifecycle.Status, status lifecycle.Status, message string) []Effect {
	result := []Effect{audit(domain.KindJob, job.Id, "job.new_status", previous, status, message)}
	done := lifecycle.Jobs.IsDone(status)
	if done {
		result = append(result, StopTrackingJob{JobId: job.Id})
	}
	if job.Role == domain.TaskBuild {
		if done {
			result = append(result, Dispatch{Task: tasks.StartExperiment(job.ExperimentId)})
		}
		return result
	}
	return append(result, Dispatch{Task: tasks.CheckExperimentStatus(job.ExperimentId, checkStatusCountdown)})
}

// ForExperiment returns the effects of an experiment moving from previous to status.
func ForExperiment(experiment *domain.Experiment, previous lifecycle.Status, status lifecycle.Status, message string) []Effect {
	l := lifecycle.Experiments
	result := []Effect{audit(domain.KindExperiment, experiment.Id, "experiment.new_status", previous, status, message)}
	if !l.IsDone(status) {
		return result
	}
	result = append(result,
		audit(domain.KindExperiment, experiment.Id, "experiment."+string(status), previous, status, message),
		StopMonitoringExperiment{ExperimentId: experiment.Id},
	)
	if l.Succeeded(status) {
		result = append(result, SetJobsStatus{ExperimentId: experiment.Id, Status: lifecycle.Succeeded, Message: MasterIsDone})
	}
	// A stopped experiment had its compute objects deleted before the status was recorded.
	if !l.Stopped(status) && hadComputeObjects(previous) {
		result = append(result, Dispatch{Task: tasks.StopExperiment(experiment.Id, false, "")})
	}
	if !experiment.IsIndependent() {
		result = append(result, Dispatch{Task: tasks.CheckHyperband(experiment.GroupId, checkStatusCountdown)})
	}
	return result
}

// ForGroup returns the effects of a group moving from previous to status.
func ForGroup(group *domain.ExperimentGroup, previous lifecycle.Status, status lifecycle.Status, message string) []Effect {
	l := lifecycle.ExperimentGroups
	result := []Effect{audit(domain.KindExperimentGroup, group.Id, "experiment_group.new_status", previous, status, message)}
	if l.IsDone(status) {
		result = append(result, audit(domain.KindExperimentGroup, group.Id, "experiment_group.done", previous, status, message))
	}
	if l.Stopped(status) {
		result = append(result, StopGroupExperiments{GroupId: group.Id, Message: GroupWasStopped})
	}
	return result
}

func hadComputeObjects(previous lifecycle.Status) bool {
	switch previous {
	case lifecycle.Scheduled, lifecycle.Starting, lifecycle.Running, lifecycle.Unknown:
		return true
	}
	return false
}

func audit(kind domain.Kind, id string, event string, previous lifecycle.Status, status lifecycle.Status, message string) Audit {
	return Audit{Kind: kind, EntityId: id, Event: event, Previous: previous, Status: status, Message: message}
}
