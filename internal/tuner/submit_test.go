package tuner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/lifecycle"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/domain"
	"github.com/G-Research/tuner/internal/tuner/effects"
	"github.com/G-Research/tuner/internal/tuner/repository"
	"github.com/G-Research/tuner/internal/tuner/tasks"
)

const groupYaml = `
name: mnist-search
hyperband:
  maxIter: 81
  eta: 3
  resource: num_epochs
  resourceIsInt: true
  metric: loss
  optimization: minimize
  seed: 7
  params:
    lr:
      kind: loguniform
      low: 0.0001
      high: 0.1
    batch_size:
      kind: choice
      values: [32, 64, 128]
experiment:
  framework: horovod
  image: tuner/mnist:latest
  cluster:
    worker: 2
  environment:
    master:
      resources:
        requests:
          cpu: "2"
`

type nopTracker struct{}

func (nopTracker) RemoveJob(jobId string) error                       { return nil }
func (nopTracker) StopMonitoringJob(jobId string) error               { return nil }
func (nopTracker) StopMonitoringExperiment(experimentId string) error { return nil }

func newSubmitter(t *testing.T) (*Submitter, *repository.MemDbEntityStore, *dispatch.RecordingDispatcher) {
	store, err := repository.NewMemDbEntityStore(&util.DummyClock{T: time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	dispatcher := &dispatch.RecordingDispatcher{}
	executor := effects.NewExecutor(store, dispatcher, nopTracker{}, nopTracker{})
	return NewSubmitter(store, executor, dispatcher), store, dispatcher
}

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSpec_Group(t *testing.T) {
	var spec GroupSpec
	require.NoError(t, LoadSpec(writeFile(t, groupYaml), &spec))

	assert.Equal(t, "mnist-search", spec.Name)
	assert.Equal(t, 81, spec.Hyperband.MaxIter)
	assert.Equal(t, domain.Minimize, spec.Hyperband.Optimization)
	assert.Equal(t, domain.ParamLogUniform, spec.Hyperband.Params["lr"].Kind)
	assert.Equal(t, []float64{32, 64, 128}, spec.Hyperband.Params["batch_size"].Values)
	assert.Equal(t, "horovod", spec.Experiment.Framework)
	assert.Equal(t, 2, spec.Experiment.Cluster[domain.TaskWorker])
	require.NotNil(t, spec.Experiment.Environment.Master.Resources)
	assert.Equal(t, "2", spec.Experiment.Environment.Master.Resources.Requests.Cpu().String())
}

func TestLoadSpec_InvalidFile(t *testing.T) {
	var spec GroupSpec
	err := LoadSpec(writeFile(t, "name: [unterminated"), &spec)
	assert.Equal(t, tunererrors.ClassConfiguration, tunererrors.ClassFromError(err))

	assert.Error(t, LoadSpec(filepath.Join(t.TempDir(), "missing.yaml"), &spec))
}

func TestSubmitGroup(t *testing.T) {
	submitter, store, dispatcher := newSubmitter(t)
	var spec GroupSpec
	require.NoError(t, LoadSpec(writeFile(t, groupYaml), &spec))

	id, err := submitter.SubmitGroup(&spec)

	require.NoError(t, err)
	group, err := store.GetGroup(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Created, group.Statuses.Current())
	assert.Equal(t, "mnist-search", group.Name)
	assert.Nil(t, group.Iteration)
	assert.Equal(t, []dispatch.Task{tasks.CreateHyperband(id)}, dispatcher.Sent())
}

func TestSubmitGroup_RejectsInvalidSearch(t *testing.T) {
	submitter, _, dispatcher := newSubmitter(t)
	spec := &GroupSpec{Name: "broken", Hyperband: domain.HyperbandConfig{MaxIter: 81, Eta: 1}}

	_, err := submitter.SubmitGroup(spec)

	assert.Equal(t, tunererrors.ClassConfiguration, tunererrors.ClassFromError(err))
	assert.Empty(t, dispatcher.Sent())
}

func TestSubmitExperiment(t *testing.T) {
	submitter, store, dispatcher := newSubmitter(t)
	spec := &ExperimentSpec{
		Name:       "mnist",
		Params:     map[string]float64{"lr": 0.01},
		Experiment: domain.ExperimentSpec{Framework: "horovod", Image: "tuner/mnist:latest", BuildRequired: true},
	}

	id, err := submitter.SubmitExperiment(spec)

	require.NoError(t, err)
	experiment, err := store.GetExperiment(id)
	require.NoError(t, err)
	assert.True(t, experiment.IsIndependent())
	assert.Equal(t, lifecycle.Created, experiment.Statuses.Current())
	assert.Equal(t, []dispatch.Task{tasks.BuildExperiment(id)}, dispatcher.Sent())
}
