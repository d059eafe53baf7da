package domain

// Entities stored in the entity store must not be modified in place. These copies are taken
// before every update. Specs and status records are immutable once written and are shared.

// WithStatus returns a copy of the history with record appended.
func (h History) WithStatus(record StatusRecord) History {
	result := make(History, len(h), len(h)+1)
	copy(result, h)
	return append(result, record)
}

func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	result := *j
	result.Statuses = append(History(nil), j.Statuses...)
	return &result
}

func (e *Experiment) DeepCopy() *Experiment {
	if e == nil {
		return nil
	}
	result := *e
	result.Params = copyFloats(e.Params)
	result.Metrics = copyFloats(e.Metrics)
	result.Statuses = append(History(nil), e.Statuses...)
	return &result
}

func (g *ExperimentGroup) DeepCopy() *ExperimentGroup {
	if g == nil {
		return nil
	}
	result := *g
	result.Iteration = g.Iteration.DeepCopy()
	result.Statuses = append(History(nil), g.Statuses...)
	return &result
}

func copyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	result := make(map[string]float64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
