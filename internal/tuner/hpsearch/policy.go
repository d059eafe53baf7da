// Package hpsearch drives hyperparameter searches of experiment groups.
package hpsearch

import (
	"math"
	"math/rand"
	"sort"

	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

// Candidate is a finished experiment considered when reducing configurations.
type Candidate struct {
	ExperimentId string
	Params       map[string]float64
	Metric       float64
}

// SearchPolicy decides which configurations an iteration evaluates and how the search proceeds.
type SearchPolicy interface {
	// Suggest returns the configurations of a new iteration.
	Suggest(state *domain.IterationState) []domain.Suggestion
	// ShouldReschedule is true when the current bracket is exhausted and another one remains.
	ShouldReschedule(iteration int, bracketIteration int) bool
	// ShouldReduceConfigs is true when the best configurations of the current rung move on to the next one.
	ShouldReduceConfigs(iteration int, bracketIteration int) bool
	// ReduceConfigs returns the configurations promoted from the rung described by state.
	ReduceConfigs(state *domain.IterationState, candidates []Candidate) []domain.Suggestion
}

// HyperbandPolicy implements successive halving over brackets of decreasing aggressiveness.
type HyperbandPolicy struct {
	config domain.HyperbandConfig
	sMax   int
	budget float64
}

func NewHyperbandPolicy(config domain.HyperbandConfig) (*HyperbandPolicy, error) {
	if config.MaxIter < 1 {
		return nil, &tunererrors.ErrConfiguration{Message: "hyperband maxIter must be at least 1"}
	}
	if config.Eta < 2 {
		return nil, &tunererrors.ErrConfiguration{Message: "hyperband eta must be at least 2"}
	}
	if config.Resource == "" {
		return nil, &tunererrors.ErrConfiguration{Message: "hyperband resource must be set"}
	}
	if config.Optimization != domain.Maximize && config.Optimization != domain.Minimize {
		return nil, &tunererrors.ErrConfiguration{Message: "hyperband optimization must be maximize or minimize"}
	}
	for name, space := range config.Params {
		if err := validateSpace(name, space); err != nil {
			return nil, err
		}
	}
	// Largest s with eta^s <= maxIter, computed on integers to avoid log rounding.
	sMax := 0
	for resource := config.Eta; resource <= config.MaxIter; resource *= config.Eta {
		sMax++
	}
	return &HyperbandPolicy{
		config: config,
		sMax:   sMax,
		budget: float64((sMax + 1) * config.MaxIter),
	}, nil
}

func validateSpace(name string, space domain.ParamSpace) error {
	switch space.Kind {
	case domain.ParamChoice:
		if len(space.Values) == 0 {
			return &tunererrors.ErrConfiguration{Message: "param " + name + " has no values to choose from"}
		}
	case domain.ParamRange:
		if space.Step <= 0 || space.High <= space.Low {
			return &tunererrors.ErrConfiguration{Message: "param " + name + " needs low < high and a positive step"}
		}
	case domain.ParamUniform:
		if space.High < space.Low {
			return &tunererrors.ErrConfiguration{Message: "param " + name + " needs low <= high"}
		}
	case domain.ParamLogUniform:
		if space.Low <= 0 || space.High < space.Low {
			return &tunererrors.ErrConfiguration{Message: "param " + name + " needs 0 < low <= high"}
		}
	default:
		return &tunererrors.ErrConfiguration{Message: "param " + name + " has unknown kind " + string(space.Kind)}
	}
	return nil
}

// MaxIterations is the index of the last bracket.
func (p *HyperbandPolicy) MaxIterations() int {
	return p.sMax
}

// Bracket is the bracket evaluated by an iteration; brackets count down to zero.
func (p *HyperbandPolicy) Bracket(iteration int) int {
	return p.sMax - iteration
}

// NumConfigs is the number of configurations a bracket starts with.
func (p *HyperbandPolicy) NumConfigs(bracket int) int {
	return int(math.Ceil(p.budget / float64(p.config.MaxIter) * p.pow(bracket) / float64(bracket+1)))
}

// Resources is the budget each configuration receives at a rung of a bracket.
func (p *HyperbandPolicy) Resources(bracket int, bracketIteration int) float64 {
	return float64(p.config.MaxIter) / p.pow(bracket-bracketIteration)
}

// NumConfigsToKeep is the number of configurations promoted out of a rung.
func (p *HyperbandPolicy) NumConfigsToKeep(iteration int, bracketIteration int) int {
	bracket := p.Bracket(iteration)
	if bracketIteration >= bracket {
		return 0
	}
	return int(float64(p.NumConfigs(bracket)) / p.pow(bracketIteration+1))
}

// pow is only used with divisions so whole budgets stay exact.
func (p *HyperbandPolicy) pow(exponent int) float64 {
	return math.Pow(float64(p.config.Eta), float64(exponent))
}

func (p *HyperbandPolicy) bracketDone(iteration int, bracketIteration int) bool {
	return p.NumConfigsToKeep(iteration, bracketIteration) == 0
}

func (p *HyperbandPolicy) ShouldReschedule(iteration int, bracketIteration int) bool {
	return p.bracketDone(iteration, bracketIteration) && iteration+1 <= p.sMax
}

func (p *HyperbandPolicy) ShouldReduceConfigs(iteration int, bracketIteration int) bool {
	return !p.bracketDone(iteration, bracketIteration)
}

func (p *HyperbandPolicy) Suggest(state *domain.IterationState) []domain.Suggestion {
	if state == nil || state.Iteration > p.sMax {
		return nil
	}
	bracket := p.Bracket(state.Iteration)
	resource := p.resourceValue(p.Resources(bracket, state.BracketIteration))
	rng := rand.New(rand.NewSource(p.config.Seed + int64(state.Iteration)))
	names := make([]string, 0, len(p.config.Params))
	for name := range p.config.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	n := p.NumConfigs(bracket)
	suggestions := make([]domain.Suggestion, 0, n)
	for i := 0; i < n; i++ {
		suggestion := make(domain.Suggestion, len(names)+1)
		for _, name := range names {
			suggestion[name] = sample(rng, p.config.Params[name])
		}
		suggestion[p.config.Resource] = resource
		suggestions = append(suggestions, suggestion)
	}
	return suggestions
}

func (p *HyperbandPolicy) ReduceConfigs(state *domain.IterationState, candidates []Candidate) []domain.Suggestion {
	if state == nil {
		return nil
	}
	keep := p.NumConfigsToKeep(state.Iteration, state.BracketIteration)
	if keep == 0 || len(candidates) == 0 {
		return nil
	}
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if p.config.Optimization == domain.Minimize {
			return ranked[i].Metric < ranked[j].Metric
		}
		return ranked[i].Metric > ranked[j].Metric
	})
	if keep > len(ranked) {
		keep = len(ranked)
	}
	resource := p.resourceValue(p.Resources(p.Bracket(state.Iteration), state.BracketIteration+1))
	suggestions := make([]domain.Suggestion, 0, keep)
	for _, candidate := range ranked[:keep] {
		suggestion := make(domain.Suggestion, len(candidate.Params)+1)
		for name, value := range candidate.Params {
			suggestion[name] = value
		}
		suggestion[p.config.Resource] = resource
		suggestions = append(suggestions, suggestion)
	}
	return suggestions
}

func (p *HyperbandPolicy) resourceValue(resource float64) float64 {
	if p.config.ResourceIsInt {
		return math.Trunc(resource)
	}
	return resource
}

func sample(rng *rand.Rand, space domain.ParamSpace) float64 {
	switch space.Kind {
	case domain.ParamChoice:
		return space.Values[rng.Intn(len(space.Values))]
	case domain.ParamRange:
		steps := int(math.Ceil((space.High - space.Low) / space.Step))
		return space.Low + float64(rng.Intn(steps))*space.Step
	case domain.ParamLogUniform:
		low, high := math.Log(space.Low), math.Log(space.High)
		return math.Exp(low + rng.Float64()*(high-low))
	default:
		return space.Low + rng.Float64()*(space.High-space.Low)
	}
}
