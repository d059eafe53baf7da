package domain

import (
	"time"

	v1 "k8s.io/api/core/v1"

	"github.com/G-Research/tuner/internal/lifecycle"
)

type Kind string

const (
	KindJob             Kind = "job"
	KindExperiment      Kind = "experiment"
	KindExperimentGroup Kind = "experimentGroup"
)

// Lifecycle returns the lifecycle governing entities of this kind.
func (k Kind) Lifecycle() *lifecycle.Lifecycle {
	switch k {
	case KindJob:
		return lifecycle.Jobs
	case KindExperiment:
		return lifecycle.Experiments
	case KindExperimentGroup:
		return lifecycle.ExperimentGroups
	}
	panic("unknown entity kind " + string(k))
}

type TaskType string

const (
	TaskMaster TaskType = "master"
	TaskWorker TaskType = "worker"
	TaskPS     TaskType = "ps"
	TaskServer TaskType = "server"
	// TaskBuild marks the job building an experiment's image. It is not part of the cluster topology.
	TaskBuild TaskType = "build"
)

// StatusRecord is an immutable entry of an entity's status history.
type StatusRecord struct {
	Status  lifecycle.Status
	Message string
	Details map[string]string
	Created time.Time
}

// History is an append-only list of status records, oldest first.
type History []StatusRecord

// Current returns the most recently recorded status, or lifecycle.None.
func (h History) Current() lifecycle.Status {
	if len(h) == 0 {
		return lifecycle.None
	}
	return h[len(h)-1].Status
}

func (h History) Last() *StatusRecord {
	if len(h) == 0 {
		return nil
	}
	return &h[len(h)-1]
}

// Job is one task of an experiment (one pod) or the build job of an experiment.
type Job struct {
	Id           string
	ExperimentId string
	Role         TaskType
	Index        int
	PodName      string
	Statuses     History
}

// TaskTemplate is the placement of one task.
type TaskTemplate struct {
	Resources    *v1.ResourceRequirements
	NodeSelector map[string]string
	Affinity     *v1.Affinity
	Tolerations  []v1.Toleration
}

// IndexedTaskTemplate overrides the default template of a role for a single task index.
type IndexedTaskTemplate struct {
	Index int
	TaskTemplate
}

// RoleEnvironment is the template of a secondary role.
type RoleEnvironment struct {
	Default   TaskTemplate
	Overrides []IndexedTaskTemplate
}

// Environment is the per-role placement configuration of an experiment.
type Environment struct {
	Master TaskTemplate
	Roles  map[TaskType]RoleEnvironment
}

// ExperimentSpec describes what an experiment runs and on which topology.
type ExperimentSpec struct {
	Framework   string
	Image       string
	Command     []string
	Args        []string
	Env         map[string]string
	Cluster     map[TaskType]int
	Environment Environment
	// BuildRequired means the image must be built by a build job before the experiment can start.
	BuildRequired bool
}

type Experiment struct {
	Id      string
	GroupId string
	Name    string
	Spec    ExperimentSpec
	// Params is the hyperparameter suggestion this experiment evaluates.
	Params map[string]float64
	// BuildJobId is set once a build job has been created for the experiment.
	BuildJobId string
	// Metrics are the final metrics reported by the experiment's master task.
	Metrics  map[string]float64
	Statuses History
}

// IsIndependent is true for experiments not owned by a group.
func (e *Experiment) IsIndependent() bool {
	return e.GroupId == ""
}

type ExperimentGroup struct {
	Id        string
	Name      string
	Search    HyperbandConfig
	Template  ExperimentSpec
	Iteration *IterationState
	Statuses  History
}

// ResourceUsage is the latest resource snapshot reported for a job.
type ResourceUsage struct {
	JobId       string  `json:"job_uuid"`
	JobName     string  `json:"job_name,omitempty"`
	ContainerId string  `json:"container_id,omitempty"`
	CpuPercent  float64 `json:"cpu_percentage"`
	MemoryBytes int64   `json:"memory_used"`
	MemoryLimit int64   `json:"memory_limit"`
	GpuPercent  float64 `json:"gpu_percentage,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// JobRef identifies a job when fanning out per-job reads.
type JobRef struct {
	Id   string
	Name string
}
