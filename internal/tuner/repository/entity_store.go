package repository

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/tuner/internal/common/logging"
	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/effects"
	"github.com/G-Research/tuner/internal/tuner/metrics"
)

const (
	jobsTable        = "jobs"
	experimentsTable = "experiments"
	groupsTable      = "groups"

	idIndex         = "id"         // lookup by primary key
	experimentIndex = "experiment" // lookup jobs of an experiment
	groupIndex      = "group"      // lookup experiments of a group
)

// EntityStore owns jobs, experiments and experiment groups together with their status history.
type EntityStore interface {
	CreateJob(job *domain.Job) error
	CreateExperiment(experiment *domain.Experiment) error
	CreateGroup(group *domain.ExperimentGroup) error

	GetJob(id string) (*domain.Job, error)
	GetExperiment(id string) (*domain.Experiment, error)
	GetGroup(id string) (*domain.ExperimentGroup, error)

	// CurrentStatus returns the most recent status of an entity, lifecycle.None if it has none yet.
	CurrentStatus(kind domain.Kind, id string) (lifecycle.Status, error)
	// SetStatus appends a status record if the entity's lifecycle admits the transition.
	// Rejected transitions return false and no error. Accepted ones return the effects to perform.
	SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, []effects.Effect, error)

	// ExperimentForJob resolves the owning experiment of a job; false if the job does not exist.
	ExperimentForJob(jobId string) (string, bool, error)
	JobsForExperiment(experimentId string) ([]*domain.Job, error)
	ExperimentsForGroup(groupId string) ([]*domain.Experiment, error)
	// NonDoneExperiments lists the ids of the group's experiments that are not in a done status.
	NonDoneExperiments(groupId string) ([]string, error)

	// SetExperimentMetrics merges metrics into the experiment's reported metrics.
	SetExperimentMetrics(experimentId string, metrics map[string]float64) error
	SetBuildJob(experimentId string, jobId string) error
	// CompareAndSwapIteration replaces the iteration state of a group if its current
	// (iteration, bracket iteration) coordinate and experiment ids still equal the ones of expected.
	// A nil expected state matches a group that has not started iterating.
	CompareAndSwapIteration(groupId string, expected *domain.IterationState, next *domain.IterationState) (bool, error)
}

// MemDbEntityStore is an EntityStore built on https://github.com/hashicorp/go-memdb.
// Objects are never modified once inserted; every update inserts a modified deep copy.
// go-memdb allows a single write transaction at a time, which makes every read-check-write
// sequence below atomic.
type MemDbEntityStore struct {
	db    *memdb.MemDB
	clock util.Clock
	// Serialises write transactions so that effects are computed against the committed state.
	writeMutex sync.Mutex
}

func NewMemDbEntityStore(clock util.Clock) (*MemDbEntityStore, error) {
	db, err := memdb.NewMemDB(entityStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemDbEntityStore{db: db, clock: clock}, nil
}

func (s *MemDbEntityStore) CreateJob(job *domain.Job) error {
	if job.ExperimentId != "" {
		if _, err := s.GetExperiment(job.ExperimentId); err != nil {
			return err
		}
	}
	return s.insertNew(jobsTable, string(domain.KindJob), job.Id, job.DeepCopy())
}

func (s *MemDbEntityStore) CreateExperiment(experiment *domain.Experiment) error {
	if experiment.GroupId != "" {
		if _, err := s.GetGroup(experiment.GroupId); err != nil {
			return err
		}
	}
	return s.insertNew(experimentsTable, string(domain.KindExperiment), experiment.Id, experiment.DeepCopy())
}

func (s *MemDbEntityStore) CreateGroup(group *domain.ExperimentGroup) error {
	return s.insertNew(groupsTable, string(domain.KindExperimentGroup), group.Id, group.DeepCopy())
}

func (s *MemDbEntityStore) insertNew(table string, kind string, id string, obj interface{}) error {
	if id == "" {
		return errors.WithStack(&tunererrors.ErrInvalidArgument{Name: "id", Value: id, Message: "must not be empty"})
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(table, idIndex, id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&tunererrors.ErrAlreadyExists{Type: kind, Value: id})
	}
	if err := txn.Insert(table, obj); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemDbEntityStore) GetJob(id string) (*domain.Job, error) {
	obj, err := s.first(s.db.Txn(false), jobsTable, domain.KindJob, id)
	if err != nil {
		return nil, err
	}
	return obj.(*domain.Job), nil
}

func (s *MemDbEntityStore) GetExperiment(id string) (*domain.Experiment, error) {
	obj, err := s.first(s.db.Txn(false), experimentsTable, domain.KindExperiment, id)
	if err != nil {
		return nil, err
	}
	return obj.(*domain.Experiment), nil
}

func (s *MemDbEntityStore) GetGroup(id string) (*domain.ExperimentGroup, error) {
	obj, err := s.first(s.db.Txn(false), groupsTable, domain.KindExperimentGroup, id)
	if err != nil {
		return nil, err
	}
	return obj.(*domain.ExperimentGroup), nil
}

func (s *MemDbEntityStore) first(txn *memdb.Txn, table string, kind domain.Kind, id string) (interface{}, error) {
	obj, err := txn.First(table, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&tunererrors.ErrNotFound{Type: string(kind), Value: id})
	}
	return obj, nil
}

func (s *MemDbEntityStore) CurrentStatus(kind domain.Kind, id string) (lifecycle.Status, error) {
	obj, err := s.first(s.db.Txn(false), tableFor(kind), kind, id)
	if err != nil {
		return lifecycle.None, err
	}
	return historyOf(obj).Current(), nil
}

func (s *MemDbEntityStore) SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, []effects.Effect, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := s.first(txn, tableFor(kind), kind, id)
	if err != nil {
		return false, nil, err
	}
	previous := historyOf(obj).Current()
	if err := kind.Lifecycle().Admit(previous, status); err != nil {
		metrics.StatusTransitions.WithLabelValues(string(kind), string(status), "false").Inc()
		logging.ForEntity(string(kind), id).Debugf("rejected status update: %s", err)
		return false, nil, nil
	}

	record := domain.StatusRecord{Status: status, Message: message, Created: s.clock.Now()}
	var updated interface{}
	var result []effects.Effect
	switch entity := obj.(type) {
	case *domain.Job:
		job := entity.DeepCopy()
		job.Statuses = entity.Statuses.WithStatus(record)
		updated = job
		result = effects.ForJob(job, previous, status, message)
	case *domain.Experiment:
		experiment := entity.DeepCopy()
		experiment.Statuses = entity.Statuses.WithStatus(record)
		updated = experiment
		result = effects.ForExperiment(experiment, previous, status, message)
	case *domain.ExperimentGroup:
		group := entity.DeepCopy()
		group.Statuses = entity.Statuses.WithStatus(record)
		updated = group
		result = effects.ForGroup(group, previous, status, message)
	}
	if err := txn.Insert(tableFor(kind), updated); err != nil {
		return false, nil, errors.WithStack(err)
	}
	txn.Commit()
	metrics.StatusTransitions.WithLabelValues(string(kind), string(status), "true").Inc()
	return true, result, nil
}

func (s *MemDbEntityStore) ExperimentForJob(jobId string) (string, bool, error) {
	obj, err := s.db.Txn(false).First(jobsTable, idIndex, jobId)
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	if obj == nil {
		return "", false, nil
	}
	return obj.(*domain.Job).ExperimentId, true, nil
}

func (s *MemDbEntityStore) JobsForExperiment(experimentId string) ([]*domain.Job, error) {
	iter, err := s.db.Txn(false).Get(jobsTable, experimentIndex, experimentId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*domain.Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*domain.Job))
	}
	return result, nil
}

func (s *MemDbEntityStore) ExperimentsForGroup(groupId string) ([]*domain.Experiment, error) {
	iter, err := s.db.Txn(false).Get(experimentsTable, groupIndex, groupId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*domain.Experiment, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*domain.Experiment))
	}
	return result, nil
}

func (s *MemDbEntityStore) NonDoneExperiments(groupId string) ([]string, error) {
	experiments, err := s.ExperimentsForGroup(groupId)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0)
	for _, experiment := range experiments {
		if !lifecycle.Experiments.IsDone(experiment.Statuses.Current()) {
			result = append(result, experiment.Id)
		}
	}
	return result, nil
}

func (s *MemDbEntityStore) SetExperimentMetrics(experimentId string, metrics map[string]float64) error {
	return s.updateExperiment(experimentId, func(experiment *domain.Experiment) {
		if experiment.Metrics == nil {
			experiment.Metrics = make(map[string]float64, len(metrics))
		}
		for name, value := range metrics {
			experiment.Metrics[name] = value
		}
	})
}

func (s *MemDbEntityStore) SetBuildJob(experimentId string, jobId string) error {
	return s.updateExperiment(experimentId, func(experiment *domain.Experiment) {
		experiment.BuildJobId = jobId
	})
}

func (s *MemDbEntityStore) updateExperiment(id string, update func(experiment *domain.Experiment)) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := s.first(txn, experimentsTable, domain.KindExperiment, id)
	if err != nil {
		return err
	}
	experiment := obj.(*domain.Experiment).DeepCopy()
	update(experiment)
	if err := txn.Insert(experimentsTable, experiment); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemDbEntityStore) CompareAndSwapIteration(groupId string, expected *domain.IterationState, next *domain.IterationState) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := s.first(txn, groupsTable, domain.KindExperimentGroup, groupId)
	if err != nil {
		return false, err
	}
	group := obj.(*domain.ExperimentGroup)
	if !sameIteration(group.Iteration, expected) {
		return false, nil
	}
	updated := group.DeepCopy()
	updated.Iteration = next.DeepCopy()
	if err := txn.Insert(groupsTable, updated); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

func sameIteration(a *domain.IterationState, b *domain.IterationState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Iteration == b.Iteration &&
		a.BracketIteration == b.BracketIteration &&
		slices.Equal(a.ExperimentIds, b.ExperimentIds)
}

func tableFor(kind domain.Kind) string {
	switch kind {
	case domain.KindJob:
		return jobsTable
	case domain.KindExperiment:
		return experimentsTable
	case domain.KindExperimentGroup:
		return groupsTable
	}
	panic(fmt.Sprintf("unknown entity kind %q", kind))
}

func historyOf(obj interface{}) domain.History {
	switch entity := obj.(type) {
	case *domain.Job:
		return entity.Statuses
	case *domain.Experiment:
		return entity.Statuses
	case *domain.ExperimentGroup:
		return entity.Statuses
	}
	panic(fmt.Sprintf("expected an entity, but got %T", obj))
}

// entityStoreSchema creates the database schema: one table per entity kind, keyed by id,
// with secondary indexes from jobs to their experiment and from experiments to their group.
func entityStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					experimentIndex: {
						Name:         experimentIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "ExperimentId"},
					},
				},
			},
			experimentsTable: {
				Name: experimentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					groupIndex: {
						Name:         groupIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "GroupId"},
					},
				},
			},
			groupsTable: {
				Name: groupsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
				},
			},
		},
	}
}
