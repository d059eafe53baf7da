package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "k8s.io/api/core/v1"

	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

var failedWaitingReasons = map[string]bool{
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
}

// JobStatusFromPod maps the observed state of a pod to the status of its job.
// A pending pod that is not bound to a node yet maps to lifecycle.None: there is nothing to report.
func JobStatusFromPod(pod *v1.Pod) (lifecycle.Status, string) {
	switch pod.Status.Phase {
	case v1.PodPending:
		for _, status := range pod.Status.ContainerStatuses {
			waiting := status.State.Waiting
			if waiting == nil {
				continue
			}
			if failedWaitingReasons[waiting.Reason] {
				return lifecycle.Failed, fmt.Sprintf("Container %s failed to start because %s: %s", status.Name, waiting.Reason, waiting.Message)
			}
			return lifecycle.Building, waiting.Reason
		}
		if pod.Spec.NodeName != "" || isScheduled(pod) {
			return lifecycle.Scheduled, ""
		}
		return lifecycle.None, ""
	case v1.PodRunning:
		return lifecycle.Running, ""
	case v1.PodSucceeded:
		return lifecycle.Succeeded, ""
	case v1.PodFailed:
		return lifecycle.Failed, podFailedReason(pod)
	default:
		return lifecycle.Unknown, pod.Status.Message
	}
}

func isScheduled(pod *v1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == v1.PodScheduled && condition.Status == v1.ConditionTrue {
			return true
		}
	}
	return false
}

func podFailedReason(pod *v1.Pod) string {
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	var reasons []string
	for _, status := range pod.Status.ContainerStatuses {
		terminated := status.State.Terminated
		if terminated != nil && terminated.ExitCode != 0 {
			reasons = append(reasons, fmt.Sprintf("Container %s failed with exit code %d because %s", status.Name, terminated.ExitCode, terminated.Reason))
		}
	}
	return strings.Join(reasons, "\n")
}

// ContainerIds returns the ids of the pod's started containers without their runtime prefix.
func ContainerIds(pod *v1.Pod) []string {
	var ids []string
	for _, status := range pod.Status.ContainerStatuses {
		if status.ContainerID == "" {
			continue
		}
		id := status.ContainerID
		if i := strings.Index(id, "://"); i >= 0 {
			id = id[i+3:]
		}
		ids = append(ids, id)
	}
	return ids
}

// ReportedMetrics reads the final metrics a task wrote to its termination message as a JSON object.
func ReportedMetrics(pod *v1.Pod) (map[string]float64, bool) {
	for _, status := range pod.Status.ContainerStatuses {
		terminated := status.State.Terminated
		if terminated == nil || terminated.Message == "" {
			continue
		}
		var metrics map[string]float64
		if err := json.Unmarshal([]byte(terminated.Message), &metrics); err != nil {
			continue
		}
		return metrics, len(metrics) > 0
	}
	return nil, false
}

// ExperimentStatusFromJobs derives an experiment's status from the statuses of its tasks.
// The master decides once it is done. Before that any failed task fails the experiment.
// False means the jobs do not call for a status change.
func ExperimentStatusFromJobs(jobs []*domain.Job) (lifecycle.Status, string, bool) {
	var master *domain.Job
	var tasks []*domain.Job
	for _, job := range jobs {
		switch job.Role {
		case domain.TaskBuild:
			continue
		case domain.TaskMaster:
			master = job
		}
		tasks = append(tasks, job)
	}
	if master == nil {
		return lifecycle.None, "", false
	}

	masterStatus := master.Statuses.Current()
	if lifecycle.Jobs.IsDone(masterStatus) {
		return masterStatus, lastMessage(master), true
	}
	for _, job := range tasks {
		if lifecycle.Jobs.Failed(job.Statuses.Current()) {
			return lifecycle.Failed, fmt.Sprintf("Task %s.%d failed: %s", job.Role, job.Index, lastMessage(job)), true
		}
	}
	switch masterStatus {
	case lifecycle.Running:
		return lifecycle.Running, "", true
	case lifecycle.Unknown:
		return lifecycle.Unknown, lastMessage(master), true
	}
	for _, job := range tasks {
		if lifecycle.Jobs.IsRunning(job.Statuses.Current()) {
			return lifecycle.Starting, "", true
		}
	}
	return lifecycle.None, "", false
}

func lastMessage(job *domain.Job) string {
	if last := job.Statuses.Last(); last != nil {
		return last.Message
	}
	return ""
}
