package effects

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

func TestForJob_Running(t *testing.T) {
	job := &domain.Job{Id: "j1", ExperimentId: "e1", Role: domain.TaskWorker}
	result := ForJob(job, lifecycle.Scheduled, lifecycle.Running, "")

	assert.Len(t, result, 2)
	assert.IsType(t, Audit{}, result[0])
	assert.Equal(t, []string{tasks.ExperimentsCheckStatus}, dispatched(result))
}

func TestForJob_Done(t *testing.T) {
	job := &domain.Job{Id: "j1", ExperimentId: "e1", Role: domain.TaskMaster}
	result := ForJob(job, lifecycle.Running, lifecycle.Succeeded, "")

	assert.Contains(t, result, StopTrackingJob{JobId: "j1"})
	assert.Equal(t, []string{tasks.ExperimentsCheckStatus}, dispatched(result))
}

func TestForJob_BuildDone(t *testing.T) {
	job := &domain.Job{Id: "b1", ExperimentId: "e1", Role: domain.TaskBuild}

	assert.Empty(t, dispatched(ForJob(job, lifecycle.Created, lifecycle.Building, "")))

	result := ForJob(job, lifecycle.Building, lifecycle.Failed, "build failed")
	assert.Equal(t, []string{tasks.ExperimentsStart}, dispatched(result))
}

func TestForExperiment_NotDone(t *testing.T) {
	experiment := &domain.Experiment{Id: "e1", GroupId: "g1"}
	result := ForExperiment(experiment, lifecycle.Created, lifecycle.Scheduled, "")
	assert.Len(t, result, 1)
}

func TestForExperiment_Succeeded(t *testing.T) {
	experiment := &domain.Experiment{Id: "e1", GroupId: "g1"}
	result := ForExperiment(experiment, lifecycle.Running, lifecycle.Succeeded, "")

	assert.Contains(t, result, SetJobsStatus{ExperimentId: "e1", Status: lifecycle.Succeeded, Message: MasterIsDone})
	assert.Contains(t, result, StopMonitoringExperiment{ExperimentId: "e1"})
	assert.ElementsMatch(t, []string{tasks.ExperimentsStop, tasks.HyperbandCheck}, dispatched(result))
	for _, task := range sent(result) {
		if task.Name == tasks.ExperimentsStop {
			assert.False(t, tasks.UpdateStatus(task.Payload))
		}
	}
}

func TestForExperiment_StoppedDoesNotStopAgain(t *testing.T) {
	experiment := &domain.Experiment{Id: "e1"}
	result := ForExperiment(experiment, lifecycle.Running, lifecycle.Stopped, "")
	assert.Empty(t, dispatched(result))
}

func TestForExperiment_FailedBeforeScheduling(t *testing.T) {
	experiment := &domain.Experiment{Id: "e1"}
	result := ForExperiment(experiment, lifecycle.Building, lifecycle.Failed, "build failed")
	assert.Empty(t, dispatched(result))
	assert.Contains(t, result, StopMonitoringExperiment{ExperimentId: "e1"})
}

func TestForGroup(t *testing.T) {
	group := &domain.ExperimentGroup{Id: "g1"}
	assert.Len(t, ForGroup(group, lifecycle.Created, lifecycle.Running, ""), 1)

	result := ForGroup(group, lifecycle.Running, lifecycle.Stopped, "")
	assert.Contains(t, result, StopGroupExperiments{GroupId: "g1", Message: GroupWasStopped})

	result = ForGroup(group, lifecycle.Running, lifecycle.Failed, "no suggestions")
	assert.Len(t, result, 2)
}

func dispatched(effects []Effect) []string {
	var names []string
	for _, task := range sent(effects) {
		names = append(names, task.Name)
	}
	return names
}

func sent(effects []Effect) []dispatch.Task {
	var result []dispatch.Task
	for _, effect := range effects {
		if d, ok := effect.(Dispatch); ok {
			result = append(result, d.Task)
		}
	}
	return result
}
