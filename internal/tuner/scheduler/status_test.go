package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	v1 "k8s.io/api/core/v1"

	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

func TestJobStatusFromPod(t *testing.T) {
	waiting := func(reason string) []v1.ContainerStatus {
		return []v1.ContainerStatus{{Name: "experiment", State: v1.ContainerState{Waiting: &v1.ContainerStateWaiting{Reason: reason, Message: "bad"}}}}
	}
	tests := map[string]struct {
		status   v1.PodStatus
		nodeName string
		expected lifecycle.Status
	}{
		"pending and unscheduled": {
			status:   v1.PodStatus{Phase: v1.PodPending},
			expected: lifecycle.None,
		},
		"pending on a node": {
			status:   v1.PodStatus{Phase: v1.PodPending},
			nodeName: "node-1",
			expected: lifecycle.Scheduled,
		},
		"pending with scheduled condition": {
			status:   v1.PodStatus{Phase: v1.PodPending, Conditions: []v1.PodCondition{{Type: v1.PodScheduled, Status: v1.ConditionTrue}}},
			expected: lifecycle.Scheduled,
		},
		"pulling image": {
			status:   v1.PodStatus{Phase: v1.PodPending, ContainerStatuses: waiting("ContainerCreating")},
			expected: lifecycle.Building,
		},
		"invalid image": {
			status:   v1.PodStatus{Phase: v1.PodPending, ContainerStatuses: waiting("InvalidImageName")},
			expected: lifecycle.Failed,
		},
		"bad container config": {
			status:   v1.PodStatus{Phase: v1.PodPending, ContainerStatuses: waiting("CreateContainerConfigError")},
			expected: lifecycle.Failed,
		},
		"running": {
			status:   v1.PodStatus{Phase: v1.PodRunning},
			expected: lifecycle.Running,
		},
		"succeeded": {
			status:   v1.PodStatus{Phase: v1.PodSucceeded},
			expected: lifecycle.Succeeded,
		},
		"failed": {
			status:   v1.PodStatus{Phase: v1.PodFailed},
			expected: lifecycle.Failed,
		},
		"unknown": {
			status:   v1.PodStatus{Phase: v1.PodUnknown},
			expected: lifecycle.Unknown,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			pod := &v1.Pod{Spec: v1.PodSpec{NodeName: tc.nodeName}, Status: tc.status}
			status, _ := JobStatusFromPod(pod)
			assert.Equal(t, tc.expected, status)
		})
	}
}

func TestJobStatusFromPod_FailureMessage(t *testing.T) {
	pod := &v1.Pod{Status: v1.PodStatus{
		Phase: v1.PodFailed,
		ContainerStatuses: []v1.ContainerStatus{
			{Name: "sidecar", State: v1.ContainerState{Terminated: &v1.ContainerStateTerminated{ExitCode: 0}}},
			{Name: "experiment", State: v1.ContainerState{Terminated: &v1.ContainerStateTerminated{ExitCode: 137, Reason: "OOMKilled"}}},
		},
	}}

	_, message := JobStatusFromPod(pod)

	assert.Equal(t, "Container experiment failed with exit code 137 because OOMKilled", message)

	pod.Status.Message = "The node was low on resource: memory."
	_, message = JobStatusFromPod(pod)
	assert.Equal(t, "The node was low on resource: memory.", message)
}

func TestContainerIds(t *testing.T) {
	pod := &v1.Pod{Status: v1.PodStatus{ContainerStatuses: []v1.ContainerStatus{
		{Name: "experiment", ContainerID: "containerd://4f1b2c"},
		{Name: "sidecar"},
		{Name: "other", ContainerID: "9a8b7c"},
	}}}

	assert.Equal(t, []string{"4f1b2c", "9a8b7c"}, ContainerIds(pod))
}

func TestReportedMetrics(t *testing.T) {
	terminated := func(message string) *v1.Pod {
		return &v1.Pod{Status: v1.PodStatus{ContainerStatuses: []v1.ContainerStatus{
			{Name: "experiment", State: v1.ContainerState{Terminated: &v1.ContainerStateTerminated{Message: message}}},
		}}}
	}

	metrics, ok := ReportedMetrics(terminated(`{"loss": 0.25, "accuracy": 0.91}`))
	assert.True(t, ok)
	assert.Equal(t, map[string]float64{"loss": 0.25, "accuracy": 0.91}, metrics)

	_, ok = ReportedMetrics(terminated("training finished"))
	assert.False(t, ok)

	_, ok = ReportedMetrics(terminated(""))
	assert.False(t, ok)

	_, ok = ReportedMetrics(&v1.Pod{})
	assert.False(t, ok)
}

func job(role domain.TaskType, index int, status lifecycle.Status, message string) *domain.Job {
	return &domain.Job{
		Id:       string(role) + string(rune('0'+index)),
		Role:     role,
		Index:    index,
		Statuses: domain.History{}.WithStatus(domain.StatusRecord{Status: status, Message: message}),
	}
}

func TestExperimentStatusFromJobs(t *testing.T) {
	tests := map[string]struct {
		jobs     []*domain.Job
		expected lifecycle.Status
		message  string
		changed  bool
	}{
		"no master": {
			jobs: []*domain.Job{job(domain.TaskWorker, 0, lifecycle.Running, "")},
		},
		"everything created": {
			jobs: []*domain.Job{job(domain.TaskMaster, 0, lifecycle.Created, ""), job(domain.TaskWorker, 0, lifecycle.Created, "")},
		},
		"worker running": {
			jobs:     []*domain.Job{job(domain.TaskMaster, 0, lifecycle.Scheduled, ""), job(domain.TaskWorker, 0, lifecycle.Running, "")},
			expected: lifecycle.Starting,
			changed:  true,
		},
		"master running": {
			jobs:     []*domain.Job{job(domain.TaskMaster, 0, lifecycle.Running, ""), job(domain.TaskWorker, 0, lifecycle.Scheduled, "")},
			expected: lifecycle.Running,
			changed:  true,
		},
		"master unknown": {
			jobs:     []*domain.Job{job(domain.TaskMaster, 0, lifecycle.Unknown, "node lost")},
			expected: lifecycle.Unknown,
			message:  "node lost",
			changed:  true,
		},
		"worker failed": {
			jobs: []*domain.Job{
				job(domain.TaskMaster, 0, lifecycle.Running, ""),
				job(domain.TaskWorker, 0, lifecycle.Running, ""),
				job(domain.TaskWorker, 1, lifecycle.Failed, "OOMKilled"),
			},
			expected: lifecycle.Failed,
			message:  "Task worker.1 failed: OOMKilled",
			changed:  true,
		},
		"master succeeded with a failed worker": {
			jobs: []*domain.Job{
				job(domain.TaskMaster, 0, lifecycle.Succeeded, ""),
				job(domain.TaskWorker, 0, lifecycle.Failed, "OOMKilled"),
			},
			expected: lifecycle.Succeeded,
			changed:  true,
		},
		"master failed": {
			jobs:     []*domain.Job{job(domain.TaskMaster, 0, lifecycle.Failed, "exit code 1")},
			expected: lifecycle.Failed,
			message:  "exit code 1",
			changed:  true,
		},
		"build job is ignored": {
			jobs: []*domain.Job{
				job(domain.TaskBuild, 0, lifecycle.Failed, "push denied"),
				job(domain.TaskMaster, 0, lifecycle.Running, ""),
			},
			expected: lifecycle.Running,
			changed:  true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			status, message, changed := ExperimentStatusFromJobs(tc.jobs)
			assert.Equal(t, tc.changed, changed)
			if tc.changed {
				assert.Equal(t, tc.expected, status)
				assert.Equal(t, tc.message, message)
			}
		})
	}
}
