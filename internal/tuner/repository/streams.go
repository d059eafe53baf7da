package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tuner/internal/tuner/domain"
)

// StreamTarget is a per-entity, per-signal subscription set.
type StreamTarget string

const (
	JobResources        StreamTarget = "JOB_RESOURCES"
	JobLogs             StreamTarget = "JOB_LOGS"
	ExperimentResources StreamTarget = "EXPERIMENT_RESOURCES"
	ExperimentLogs      StreamTarget = "EXPERIMENT_LOGS"

	jobLatestStatsKey = "JOB_LATEST_STATS"
)

// StreamRepository records which entities currently have live stream subscribers and caches
// the latest resource usage snapshot of every job.
type StreamRepository interface {
	Monitor(target StreamTarget, id string) error
	IsMonitored(target StreamTarget, id string) bool
	Remove(target StreamTarget, id string) error

	SetLatestJobResources(jobId string, usage *domain.ResourceUsage) error
	GetLatestJobResources(jobId string, jobName string) (*domain.ResourceUsage, bool)
	GetLatestExperimentResources(jobs []domain.JobRef) []*domain.ResourceUsage
}

type RedisStreamRepository struct {
	db redis.UniversalClient
}

func NewRedisStreamRepository(db redis.UniversalClient) *RedisStreamRepository {
	return &RedisStreamRepository{db: db}
}

func (r *RedisStreamRepository) Monitor(target StreamTarget, id string) error {
	return errors.WithStack(r.db.SAdd(string(target), id).Err())
}

// IsMonitored reports false when redis cannot be reached; streaming decisions fail closed.
func (r *RedisStreamRepository) IsMonitored(target StreamTarget, id string) bool {
	monitored, err := r.db.SIsMember(string(target), id).Result()
	if err != nil {
		log.Warnf("failed to check %s subscription of %s: %s", target, id, err)
		return false
	}
	return monitored
}

func (r *RedisStreamRepository) Remove(target StreamTarget, id string) error {
	return errors.WithStack(r.db.SRem(string(target), id).Err())
}

// StopMonitoringJob drops the job's resource and log subscriptions and its cached snapshot.
func (r *RedisStreamRepository) StopMonitoringJob(jobId string) error {
	pipe := r.db.TxPipeline()
	pipe.SRem(string(JobResources), jobId)
	pipe.SRem(string(JobLogs), jobId)
	pipe.HDel(jobLatestStatsKey, jobId)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (r *RedisStreamRepository) StopMonitoringExperiment(experimentId string) error {
	pipe := r.db.TxPipeline()
	pipe.SRem(string(ExperimentResources), experimentId)
	pipe.SRem(string(ExperimentLogs), experimentId)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

// SetLatestJobResources overwrites the cached snapshot of a job; no history is kept.
func (r *RedisStreamRepository) SetLatestJobResources(jobId string, usage *domain.ResourceUsage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.HSet(jobLatestStatsKey, jobId, data).Err())
}

func (r *RedisStreamRepository) GetLatestJobResources(jobId string, jobName string) (*domain.ResourceUsage, bool) {
	data, err := r.db.HGet(jobLatestStatsKey, jobId).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Warnf("failed to read latest resources of job %s: %s", jobId, err)
		return nil, false
	}
	return decodeUsage(jobId, jobName, data)
}

// GetLatestExperimentResources returns the cached snapshots of the given jobs in request order,
// skipping jobs without one.
func (r *RedisStreamRepository) GetLatestExperimentResources(jobs []domain.JobRef) []*domain.ResourceUsage {
	result := make([]*domain.ResourceUsage, 0, len(jobs))
	if len(jobs) == 0 {
		return result
	}
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.Id
	}
	values, err := r.db.HMGet(jobLatestStatsKey, ids...).Result()
	if err != nil {
		log.Warnf("failed to read latest experiment resources: %s", err)
		return result
	}
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		if usage, ok := decodeUsage(jobs[i].Id, jobs[i].Name, data); ok {
			result = append(result, usage)
		}
	}
	return result
}

func decodeUsage(jobId string, jobName string, data string) (*domain.ResourceUsage, bool) {
	usage := &domain.ResourceUsage{}
	if err := json.Unmarshal([]byte(data), usage); err != nil {
		log.Warnf("ignoring malformed resources of job %s: %s", jobId, err)
		return nil, false
	}
	if jobName != "" {
		usage.JobName = jobName
	}
	return usage, true
}
