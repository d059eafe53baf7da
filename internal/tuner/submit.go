package tuner

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/hpsearch"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

// GroupSpec is the file format of a hyperband search submitted from the command line.
type GroupSpec struct {
	Name       string                 `json:"name"`
	Hyperband  domain.HyperbandConfig `json:"hyperband"`
	Experiment domain.ExperimentSpec  `json:"experiment"`
}

// ExperimentSpec is the file format of an independent experiment submitted from the command line.
type ExperimentSpec struct {
	Name       string                `json:"name"`
	Params     map[string]float64    `json:"params"`
	Experiment domain.ExperimentSpec `json:"experiment"`
}

type StatusSetter interface {
	SetStatus(kind domain.Kind, id string, status lifecycle.Status, message string) (bool, error)
}

type EntityCreator interface {
	CreateExperiment(experiment *domain.Experiment) error
	CreateGroup(group *domain.ExperimentGroup) error
}

// Submitter creates groups and experiments and sends the first task of their lifecycle.
type Submitter struct {
	store      EntityCreator
	statuses   StatusSetter
	dispatcher dispatch.Dispatcher
}

func NewSubmitter(store EntityCreator, statuses StatusSetter, dispatcher dispatch.Dispatcher) *Submitter {
	return &Submitter{store: store, statuses: statuses, dispatcher: dispatcher}
}

// SubmitGroup creates a group in status created and starts its search.
func (s *Submitter) SubmitGroup(spec *GroupSpec) (string, error) {
	if spec.Name == "" {
		return "", errors.WithStack(&tunererrors.ErrInvalidArgument{Name: "name", Value: spec.Name, Message: "a group needs a name"})
	}
	if _, err := hpsearch.NewHyperbandPolicy(spec.Hyperband); err != nil {
		return "", err
	}
	group := &domain.ExperimentGroup{
		Id:       util.NewULID(),
		Name:     spec.Name,
		Search:   spec.Hyperband,
		Template: spec.Experiment,
	}
	if err := s.store.CreateGroup(group); err != nil {
		return "", err
	}
	if _, err := s.statuses.SetStatus(domain.KindExperimentGroup, group.Id, lifecycle.Created, ""); err != nil {
		return "", err
	}
	return group.Id, s.dispatcher.Send(tasks.CreateHyperband(group.Id))
}

// SubmitExperiment creates an independent experiment in status created and starts it, building its image first if required.
func (s *Submitter) SubmitExperiment(spec *ExperimentSpec) (string, error) {
	experiment := &domain.Experiment{
		Id:     util.NewULID(),
		Name:   spec.Name,
		Spec:   spec.Experiment,
		Params: spec.Params,
	}
	if err := s.store.CreateExperiment(experiment); err != nil {
		return "", err
	}
	if _, err := s.statuses.SetStatus(domain.KindExperiment, experiment.Id, lifecycle.Created, ""); err != nil {
		return "", err
	}
	return experiment.Id, s.dispatcher.Send(tasks.BuildExperiment(experiment.Id))
}

// LoadSpec reads a YAML or JSON spec file into out.
func LoadSpec(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.WithStack(&tunererrors.ErrInvalidArgument{Name: "spec", Value: path, Message: err.Error()})
	}
	return nil
}
