package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	clientcache "k8s.io/client-go/tools/cache"

	"github.com/G-Research/tuner/internal/common/logging"
	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/cluster"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/spawner"
)

const PodDeletedMessage = "Pod was deleted"

type JobStore interface {
	GetJob(id string) (*domain.Job, error)
	SetExperimentMetrics(experimentId string, metrics map[string]float64) error
}

type ContainerTracker interface {
	MonitorContainer(containerId string, jobId string) error
}

// PodMonitor turns pod events of managed pods into job statuses and tracks their containers.
// Informer events can be missed or arrive before the job exists, so Resync replays the current
// state of every managed pod; states already recorded are skipped.
type PodMonitor struct {
	clusterCtx cluster.ClusterContext
	jobs       JobStore
	statuses   StatusSetter
	containers ContainerTracker
	// job id, history position and status already recorded
	recorded *cache.Cache
}

func NewPodMonitor(clusterCtx cluster.ClusterContext, jobs JobStore, statuses StatusSetter, containers ContainerTracker, retention time.Duration) *PodMonitor {
	monitor := &PodMonitor{
		clusterCtx: clusterCtx,
		jobs:       jobs,
		statuses:   statuses,
		containers: containers,
		recorded:   cache.New(retention, retention),
	}
	clusterCtx.AddPodEventHandler(monitor.podEventHandler())
	return monitor
}

func (m *PodMonitor) podEventHandler() clientcache.ResourceEventHandlerFuncs {
	return clientcache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			pod, ok := obj.(*v1.Pod)
			if !ok {
				log.Errorf("Failed to process pod event due to it being an unexpected type. Failed to process %+v", obj)
				return
			}
			m.Observe(pod)
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			pod, ok := newObj.(*v1.Pod)
			if !ok {
				log.Errorf("Failed to process pod event due to it being an unexpected type. Failed to process %+v", newObj)
				return
			}
			m.Observe(pod)
		},
		DeleteFunc: func(obj interface{}) {
			pod, ok := obj.(*v1.Pod)
			if !ok {
				tombstone, ok := obj.(clientcache.DeletedFinalStateUnknown)
				if !ok {
					log.Errorf("Failed to process pod event due to it being an unexpected type. Failed to process %+v", obj)
					return
				}
				pod, ok = tombstone.Obj.(*v1.Pod)
				if !ok {
					log.Errorf("Failed to process deleted pod tombstone %+v", tombstone)
					return
				}
			}
			m.Deleted(pod)
		},
	}
}

// Observe records the status of the job running in pod.
func (m *PodMonitor) Observe(pod *v1.Pod) {
	status, message := JobStatusFromPod(pod)
	m.record(pod, status, message)
}

// Deleted records the final state of a deleted pod, and stops its job if it was still running.
func (m *PodMonitor) Deleted(pod *v1.Pod) {
	m.Observe(pod)
	m.record(pod, lifecycle.Stopped, PodDeletedMessage)
}

// Resync replays the state of every managed pod.
func (m *PodMonitor) Resync(ctx context.Context) {
	pods, err := m.clusterCtx.GetManagedPods()
	if err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Warn("Failed to list managed pods")
		return
	}
	for _, pod := range pods {
		if ctx.Err() != nil {
			return
		}
		m.Observe(pod)
	}
}

func (m *PodMonitor) record(pod *v1.Pod, status lifecycle.Status, message string) {
	jobId := pod.Labels[spawner.JobIdLabel]
	if jobId == "" || status == lifecycle.None {
		return
	}
	logger := logging.ForEntity(string(domain.KindJob), jobId).WithField("pod", pod.Name)

	job, err := m.jobs.GetJob(jobId)
	if err != nil {
		if tunererrors.IsNotFound(err) {
			logger.Debug("No job for pod yet")
			return
		}
		logging.WithStacktrace(logger, err).Warn("Failed to look up job")
		return
	}
	current := job.Statuses.Current()
	if current == status || lifecycle.Jobs.IsDone(current) {
		return
	}
	// Keyed on the position in the history, so a job may legally return to a status it had before.
	key := fmt.Sprintf("%s/%d/%s", jobId, len(job.Statuses), status)
	if _, found := m.recorded.Get(key); found {
		return
	}

	if status == lifecycle.Running {
		for _, containerId := range ContainerIds(pod) {
			if err := m.containers.MonitorContainer(containerId, jobId); err != nil {
				logging.WithStacktrace(logger, err).WithField("container", containerId).Warn("Failed to track container")
			}
		}
	}
	// Metrics are stored before the status, whose effects lead to the evaluation reading them.
	if status == lifecycle.Succeeded && job.Role == domain.TaskMaster {
		if metrics, ok := ReportedMetrics(pod); ok {
			if err := m.jobs.SetExperimentMetrics(job.ExperimentId, metrics); err != nil {
				logging.WithStacktrace(logger, err).Warn("Failed to store reported metrics")
			}
		}
	}

	accepted, err := m.statuses.SetStatus(domain.KindJob, jobId, status, message)
	if err != nil {
		logging.WithStacktrace(logger, err).Warnf("Failed to record job status %s", status)
		return
	}
	if accepted {
		m.recorded.SetDefault(key, true)
	}
}
