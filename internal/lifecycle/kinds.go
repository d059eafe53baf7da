package lifecycle

const (
	Created   Status = "created"
	Scheduled Status = "scheduled"
	Building  Status = "building"
	Resuming  Status = "resuming"
	Starting  Status = "starting"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Stopped   Status = "stopped"
	Skipped   Status = "skipped"
	Unknown   Status = "unknown"
)

func except(values []Status, excluded ...Status) []Status {
	skip := newStatusSet(excluded...)
	result := make([]Status, 0, len(values))
	for _, v := range values {
		if !skip[v] {
			result = append(result, v)
		}
	}
	return result
}

var jobValues = []Status{Created, Building, Scheduled, Running, Succeeded, Failed, Stopped, Unknown}

// Jobs is the lifecycle of a single task (pod) of an experiment, and of build jobs.
// A job can go from scheduled back to building: the image build and the kubernetes
// image pull are both reported as building.
var Jobs = MustNew(Definition{
	Kind:      "job",
	Values:    jobValues,
	Starting:  []Status{Created, Building},
	Running:   []Status{Building, Scheduled, Running},
	Heartbeat: []Status{Scheduled, Running},
	Done:      []Status{Failed, Stopped, Succeeded},
	Failed:    []Status{Failed},
	Transitions: map[Status][]Status{
		Created:   {None},
		Building:  {None, Created, Scheduled},
		Scheduled: {Created, Building},
		Running:   {Created, Scheduled, Building, Unknown},
		Succeeded: {Created, Building, Scheduled, Running, Unknown},
		Failed:    {Created, Building, Scheduled, Running, Unknown},
		Stopped:   except(jobValues, Stopped),
		Unknown:   jobValues,
	},
})

var experimentValues = []Status{
	Created, Resuming, Building, Scheduled, Starting, Running, Succeeded, Failed, Stopped, Skipped, Unknown,
}

var experimentDone = []Status{Failed, Stopped, Succeeded, Skipped}

// Experiments is the lifecycle of an experiment, i.e. the set of jobs of one training run.
var Experiments = MustNew(Definition{
	Kind:      "experiment",
	Values:    experimentValues,
	Starting:  []Status{Created, Resuming, Building, Scheduled, Starting},
	Running:   []Status{Building, Scheduled, Starting, Running},
	Heartbeat: []Status{Starting, Running},
	Done:      experimentDone,
	Failed:    []Status{Failed},
	Transitions: map[Status][]Status{
		Created:   {None},
		Resuming:  {None, Created},
		Building:  {Created, Resuming},
		Scheduled: {Created, Resuming, Building},
		Starting:  {Created, Resuming, Building, Scheduled},
		Running:   {Created, Resuming, Building, Scheduled, Starting, Unknown},
		Skipped:   except(experimentValues, experimentDone...),
		Succeeded: {Scheduled, Starting, Running, Unknown},
		Failed:    {Created, Resuming, Building, Scheduled, Starting, Running, Unknown},
		Stopped:   except(experimentValues, Stopped, Skipped),
		Unknown:   except(experimentValues, Unknown),
	},
})

// ExperimentGroups is the lifecycle of a hyperparameter search.
var ExperimentGroups = MustNew(Definition{
	Kind:     "experimentGroup",
	Values:   []Status{Created, Running, Succeeded, Failed, Stopped},
	Starting: []Status{Created},
	Running:  []Status{Running},
	Done:     []Status{Succeeded, Failed, Stopped},
	Failed:   []Status{Failed},
	Transitions: map[Status][]Status{
		Created:   {None},
		Running:   {Created},
		Succeeded: {Running},
		Failed:    {Created, Running},
		Stopped:   {Created, Running},
	},
})
