package hpsearch

import (
	"github.com/G-Research/tuner/internal/tuner/domain"
)

// Store is the part of the entity store the search needs.
type Store interface {
	GetGroup(id string) (*domain.ExperimentGroup, error)
	GetExperiment(id string) (*domain.Experiment, error)
	CreateExperiment(experiment *domain.Experiment) error
	CompareAndSwapIteration(groupId string, expected *domain.IterationState, next *domain.IterationState) (bool, error)
}

// IterationManager moves the iteration state of a group forward.
// Every write is a compare-and-swap on the (iteration, bracket iteration) coordinate and the
// experiment ids, so of two concurrent invocations working from the same state only one makes progress.
type IterationManager struct {
	store Store
}

func NewIterationManager(store Store) *IterationManager {
	return &IterationManager{store: store}
}

// CreateIteration claims the iteration following current, or the first one when current is nil.
// False means another invocation got there first.
func (m *IterationManager) CreateIteration(groupId string, current *domain.IterationState) (*domain.IterationState, bool, error) {
	next := &domain.IterationState{}
	if current != nil {
		next.Iteration = current.Iteration + 1
	}
	swapped, err := m.store.CompareAndSwapIteration(groupId, current, next)
	if err != nil || !swapped {
		return nil, false, err
	}
	return next, true, nil
}

// NextBracketIteration claims the next rung of the current bracket.
func (m *IterationManager) NextBracketIteration(groupId string, state *domain.IterationState) (*domain.IterationState, bool, error) {
	next := &domain.IterationState{
		Iteration:        state.Iteration,
		BracketIteration: state.BracketIteration + 1,
	}
	swapped, err := m.store.CompareAndSwapIteration(groupId, state, next)
	if err != nil || !swapped {
		return nil, false, err
	}
	return next, true, nil
}

// AddIterationExperiments records the experiments evaluating the state's configurations.
// False means another invocation already recorded experiments for this state.
func (m *IterationManager) AddIterationExperiments(groupId string, state *domain.IterationState, experimentIds []string) (*domain.IterationState, bool, error) {
	next := state.DeepCopy()
	next.ExperimentIds = append(next.ExperimentIds, experimentIds...)
	swapped, err := m.store.CompareAndSwapIteration(groupId, state, next)
	if err != nil || !swapped {
		return nil, false, err
	}
	return next, true, nil
}

// UpdateIteration collects the final metric of every experiment of the current rung.
// Experiments that did not report the metric are left out.
func (m *IterationManager) UpdateIteration(group *domain.ExperimentGroup) (*domain.IterationState, []Candidate, error) {
	state := group.Iteration.DeepCopy()
	state.ExperimentMetrics = nil
	candidates := make([]Candidate, 0, len(state.ExperimentIds))
	for _, id := range state.ExperimentIds {
		experiment, err := m.store.GetExperiment(id)
		if err != nil {
			return nil, nil, err
		}
		value, ok := experiment.Metrics[group.Search.Metric]
		if !ok {
			continue
		}
		state.ExperimentMetrics = append(state.ExperimentMetrics, domain.ExperimentMetric{ExperimentId: id, Metric: value})
		candidates = append(candidates, Candidate{ExperimentId: id, Params: experiment.Params, Metric: value})
	}
	if _, err := m.store.CompareAndSwapIteration(group.Id, group.Iteration, state); err != nil {
		return nil, nil, err
	}
	return state, candidates, nil
}
