package domain

type Optimization string

const (
	Maximize Optimization = "maximize"
	Minimize Optimization = "minimize"
)

type ParamKind string

const (
	ParamChoice     ParamKind = "choice"
	ParamRange      ParamKind = "range"
	ParamUniform    ParamKind = "uniform"
	ParamLogUniform ParamKind = "loguniform"
)

// ParamSpace describes how one hyperparameter is sampled.
type ParamSpace struct {
	Kind   ParamKind `json:"kind"`
	Values []float64 `json:"values,omitempty"`
	Low    float64   `json:"low,omitempty"`
	High   float64   `json:"high,omitempty"`
	Step   float64   `json:"step,omitempty"`
}

// HyperbandConfig configures the successive-halving search of a group.
type HyperbandConfig struct {
	// MaxIter is the maximum amount of resource (e.g. epochs) a single configuration receives.
	MaxIter int `json:"maxIter"`
	// Eta is the reduction factor between rungs.
	Eta int `json:"eta"`
	// Resource is the name of the param receiving the resource budget, e.g. "num_epochs".
	Resource string `json:"resource"`
	// ResourceIsInt truncates the budget to an integer.
	ResourceIsInt bool                  `json:"resourceIsInt"`
	Metric        string                `json:"metric"`
	Optimization  Optimization          `json:"optimization"`
	Params        map[string]ParamSpace `json:"params"`
	Seed          int64                 `json:"seed"`
}

// ExperimentMetric is the final metric of one experiment of an iteration.
type ExperimentMetric struct {
	ExperimentId string
	Metric       float64
}

// Suggestion is one candidate configuration to materialise as an experiment.
type Suggestion map[string]float64

// IterationState is the hyperband progress of a group.
type IterationState struct {
	Iteration         int
	BracketIteration  int
	ExperimentIds     []string
	ExperimentMetrics []ExperimentMetric
}

// DeepCopy copies the state so the stored copy is never modified in place.
func (s *IterationState) DeepCopy() *IterationState {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.ExperimentIds))
	copy(ids, s.ExperimentIds)
	metrics := make([]ExperimentMetric, len(s.ExperimentMetrics))
	copy(metrics, s.ExperimentMetrics)
	return &IterationState{
		Iteration:         s.Iteration,
		BracketIteration:  s.BracketIteration,
		ExperimentIds:     ids,
		ExperimentMetrics: metrics,
	}
}
