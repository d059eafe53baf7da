package hpsearch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

func testConfig(maxIter int, eta int) domain.HyperbandConfig {
	return domain.HyperbandConfig{
		MaxIter:       maxIter,
		Eta:           eta,
		Resource:      "num_epochs",
		ResourceIsInt: true,
		Metric:        "loss",
		Optimization:  domain.Minimize,
		Params: map[string]domain.ParamSpace{
			"lr":         {Kind: domain.ParamLogUniform, Low: 0.0001, High: 0.1},
			"batch_size": {Kind: domain.ParamChoice, Values: []float64{32, 64, 128}},
			"dropout":    {Kind: domain.ParamUniform, Low: 0, High: 0.5},
			"layers":     {Kind: domain.ParamRange, Low: 1, High: 5, Step: 1},
		},
		Seed: 42,
	}
}

func TestHyperbandPolicy_Brackets(t *testing.T) {
	policy, err := NewHyperbandPolicy(testConfig(81, 3))
	require.NoError(t, err)

	assert.Equal(t, 4, policy.MaxIterations())
	assert.Equal(t, 4, policy.Bracket(0))
	assert.Equal(t, 0, policy.Bracket(4))

	assert.Equal(t, 81, policy.NumConfigs(4))
	assert.Equal(t, 34, policy.NumConfigs(3))
	assert.Equal(t, 15, policy.NumConfigs(2))
	assert.Equal(t, 8, policy.NumConfigs(1))
	assert.Equal(t, 5, policy.NumConfigs(0))

	assert.InDelta(t, 1, policy.Resources(4, 0), 1e-9)
	assert.InDelta(t, 3, policy.Resources(4, 1), 1e-9)
	assert.InDelta(t, 81, policy.Resources(4, 4), 1e-9)
	assert.InDelta(t, 81, policy.Resources(0, 0), 1e-9)
}

func TestHyperbandPolicy_SuccessiveHalving(t *testing.T) {
	policy, err := NewHyperbandPolicy(testConfig(81, 3))
	require.NoError(t, err)

	assert.Equal(t, 27, policy.NumConfigsToKeep(0, 0))
	assert.Equal(t, 9, policy.NumConfigsToKeep(0, 1))
	assert.Equal(t, 3, policy.NumConfigsToKeep(0, 2))
	assert.Equal(t, 1, policy.NumConfigsToKeep(0, 3))
	assert.Equal(t, 0, policy.NumConfigsToKeep(0, 4))

	assert.True(t, policy.ShouldReduceConfigs(0, 0))
	assert.False(t, policy.ShouldReschedule(0, 0))

	assert.False(t, policy.ShouldReduceConfigs(0, 4))
	assert.True(t, policy.ShouldReschedule(0, 4))

	// The last bracket has a single rung and nothing follows it.
	assert.False(t, policy.ShouldReduceConfigs(4, 0))
	assert.False(t, policy.ShouldReschedule(4, 0))
}

func TestHyperbandPolicy_Suggest(t *testing.T) {
	policy, err := NewHyperbandPolicy(testConfig(9, 3))
	require.NoError(t, err)

	suggestions := policy.Suggest(&domain.IterationState{Iteration: 0})
	require.Len(t, suggestions, 9)
	for _, suggestion := range suggestions {
		assert.Equal(t, 1.0, suggestion["num_epochs"])
		assert.Contains(t, []float64{32, 64, 128}, suggestion["batch_size"])
		assert.GreaterOrEqual(t, suggestion["lr"], 0.0001)
		assert.LessOrEqual(t, suggestion["lr"], 0.1)
		assert.GreaterOrEqual(t, suggestion["dropout"], 0.0)
		assert.LessOrEqual(t, suggestion["dropout"], 0.5)
		assert.Equal(t, suggestion["layers"], math.Trunc(suggestion["layers"]))
		assert.GreaterOrEqual(t, suggestion["layers"], 1.0)
		assert.Less(t, suggestion["layers"], 5.0)
	}

	// Same seed, same iteration, same suggestions.
	assert.Equal(t, suggestions, policy.Suggest(&domain.IterationState{Iteration: 0}))

	last := policy.Suggest(&domain.IterationState{Iteration: 2})
	require.Len(t, last, 3)
	assert.Equal(t, 9.0, last[0]["num_epochs"])

	assert.Empty(t, policy.Suggest(&domain.IterationState{Iteration: 3}))
	assert.Empty(t, policy.Suggest(nil))
}

func TestHyperbandPolicy_ReduceConfigs(t *testing.T) {
	policy, err := NewHyperbandPolicy(testConfig(9, 3))
	require.NoError(t, err)

	candidates := []Candidate{
		{ExperimentId: "e1", Params: map[string]float64{"lr": 0.1, "num_epochs": 1}, Metric: 0.9},
		{ExperimentId: "e2", Params: map[string]float64{"lr": 0.2, "num_epochs": 1}, Metric: 0.1},
		{ExperimentId: "e3", Params: map[string]float64{"lr": 0.3, "num_epochs": 1}, Metric: 0.5},
		{ExperimentId: "e4", Params: map[string]float64{"lr": 0.4, "num_epochs": 1}, Metric: 0.3},
	}
	reduced := policy.ReduceConfigs(&domain.IterationState{Iteration: 0, BracketIteration: 0}, candidates)

	// 9 configs in the first bracket, a third of them is kept; only 4 candidates reported.
	require.Len(t, reduced, 3)
	assert.Equal(t, domain.Suggestion{"lr": 0.2, "num_epochs": 3}, reduced[0])
	assert.Equal(t, domain.Suggestion{"lr": 0.4, "num_epochs": 3}, reduced[1])
	assert.Equal(t, domain.Suggestion{"lr": 0.3, "num_epochs": 3}, reduced[2])
	assert.Equal(t, 1.0, candidates[0].Params["num_epochs"])

	assert.Empty(t, policy.ReduceConfigs(&domain.IterationState{Iteration: 0, BracketIteration: 2}, candidates))
	assert.Empty(t, policy.ReduceConfigs(&domain.IterationState{Iteration: 0}, nil))
}

func TestHyperbandPolicy_ReduceConfigsMaximize(t *testing.T) {
	config := testConfig(9, 3)
	config.Optimization = domain.Maximize
	policy, err := NewHyperbandPolicy(config)
	require.NoError(t, err)

	reduced := policy.ReduceConfigs(&domain.IterationState{Iteration: 0, BracketIteration: 1}, []Candidate{
		{ExperimentId: "e1", Params: map[string]float64{"lr": 0.1}, Metric: 0.9},
		{ExperimentId: "e2", Params: map[string]float64{"lr": 0.2}, Metric: 0.95},
	})
	require.Len(t, reduced, 1)
	assert.Equal(t, domain.Suggestion{"lr": 0.2, "num_epochs": 9}, reduced[0])
}

func TestNewHyperbandPolicy_InvalidConfig(t *testing.T) {
	tests := map[string]func(config *domain.HyperbandConfig){
		"maxIter":      func(config *domain.HyperbandConfig) { config.MaxIter = 0 },
		"eta":          func(config *domain.HyperbandConfig) { config.Eta = 1 },
		"resource":     func(config *domain.HyperbandConfig) { config.Resource = "" },
		"optimization": func(config *domain.HyperbandConfig) { config.Optimization = "best" },
		"choice": func(config *domain.HyperbandConfig) {
			config.Params["batch_size"] = domain.ParamSpace{Kind: domain.ParamChoice}
		},
		"range": func(config *domain.HyperbandConfig) {
			config.Params["layers"] = domain.ParamSpace{Kind: domain.ParamRange, Low: 1, High: 5}
		},
		"loguniform": func(config *domain.HyperbandConfig) {
			config.Params["lr"] = domain.ParamSpace{Kind: domain.ParamLogUniform, Low: 0, High: 1}
		},
		"kind": func(config *domain.HyperbandConfig) {
			config.Params["lr"] = domain.ParamSpace{Kind: "normal"}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			config := testConfig(9, 3)
			mutate(&config)
			_, err := NewHyperbandPolicy(config)
			assert.Equal(t, tunererrors.ClassConfiguration, tunererrors.ClassFromError(err))
		})
	}
}
