package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tuner/internal/tuner/metrics"
)

const (
	containersKey        = "CONTAINERS"
	containersToJobsKey  = "CONTAINERS_TO_JOBS"
	jobsToContainersKey  = "JOBS_TO_CONTAINERS:"
	jobsToExperimentsKey = "JOBS_TO_EXPERIMENTS"
)

// JobLookup resolves the experiment owning a job.
type JobLookup interface {
	ExperimentForJob(jobId string) (string, bool, error)
}

// ContainerRepository tracks which live containers belong to which jobs and experiments.
type ContainerRepository interface {
	MonitorContainer(containerId string, jobId string) error
	GetJobForContainer(containerId string) (jobId string, experimentId string, found bool)
	GetContainers() []string
	RemoveContainer(containerId string) error
	RemoveJob(jobId string) error
}

type RedisContainerRepository struct {
	db   redis.UniversalClient
	jobs JobLookup
}

func NewRedisContainerRepository(db redis.UniversalClient, jobs JobLookup) *RedisContainerRepository {
	return &RedisContainerRepository{db: db, jobs: jobs}
}

// MonitorContainer starts tracking a container of a job. Tracking an already tracked container is a no-op,
// as is tracking a container of a job that no longer exists.
func (r *RedisContainerRepository) MonitorContainer(containerId string, jobId string) error {
	tracked, err := r.db.SIsMember(containersKey, containerId).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if tracked {
		return nil
	}

	experimentId, found, err := r.jobs.ExperimentForJob(jobId)
	if err != nil {
		return err
	}
	if !found {
		log.Debugf("job %s no longer exists, not tracking container %s", jobId, containerId)
		return nil
	}

	pipe := r.db.TxPipeline()
	pipe.SAdd(containersKey, containerId)
	pipe.HSet(containersToJobsKey, containerId, jobId)
	pipe.SAdd(jobsToContainersKey+jobId, containerId)
	pipe.HSet(jobsToExperimentsKey, jobId, experimentId)
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

func (r *RedisContainerRepository) GetJobForContainer(containerId string) (string, string, bool) {
	jobId, err := r.db.HGet(containersToJobsKey, containerId).Result()
	if err == redis.Nil {
		return "", "", false
	}
	if err != nil {
		log.Warnf("failed to look up job of container %s: %s", containerId, err)
		return "", "", false
	}
	experimentId, err := r.db.HGet(jobsToExperimentsKey, jobId).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warnf("failed to look up experiment of job %s: %s", jobId, err)
		}
		return "", "", false
	}
	return jobId, experimentId, true
}

func (r *RedisContainerRepository) GetContainers() []string {
	containers, err := r.db.SMembers(containersKey).Result()
	if err != nil {
		log.Warnf("failed to list tracked containers: %s", err)
		return []string{}
	}
	return containers
}

// RemoveContainer stops tracking a container. The job's experiment mapping is kept until the job is removed.
func (r *RedisContainerRepository) RemoveContainer(containerId string) error {
	jobId, err := r.db.HGet(containersToJobsKey, containerId).Result()
	if err != nil && err != redis.Nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	pipe.SRem(containersKey, containerId)
	pipe.HDel(containersToJobsKey, containerId)
	if jobId != "" {
		pipe.SRem(jobsToContainersKey+jobId, containerId)
	}
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

// RemoveJob removes every container of a job and then the job's experiment mapping.
// Each step is idempotent, so a partially completed removal can be replayed.
func (r *RedisContainerRepository) RemoveJob(jobId string) error {
	containers, err := r.db.SMembers(jobsToContainersKey + jobId).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	for _, containerId := range containers {
		if err := r.RemoveContainer(containerId); err != nil {
			return err
		}
	}
	pipe := r.db.TxPipeline()
	pipe.Del(jobsToContainersKey + jobId)
	pipe.HDel(jobsToExperimentsKey, jobId)
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

// ReportTrackedContainers publishes the number of tracked containers.
func (r *RedisContainerRepository) ReportTrackedContainers() {
	count, err := r.db.SCard(containersKey).Result()
	if err != nil {
		log.Warnf("failed to count tracked containers: %s", err)
		return
	}
	metrics.TrackedContainers.Set(float64(count))
}
