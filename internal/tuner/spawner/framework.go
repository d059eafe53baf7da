package spawner

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

// RolePolicy resolves the placement of every task of one secondary role.
// Frameworks with asymmetric resourcing plug in their own policy.
type RolePolicy interface {
	Resolve(env domain.RoleEnvironment, count int, isDistributed bool) map[int]domain.TaskTemplate
}

// IndexedRolePolicy gives every index the role's default template, replaced field by field by
// the override declared for that index, if any. Non distributed jobs have no secondary tasks.
type IndexedRolePolicy struct{}

func (IndexedRolePolicy) Resolve(env domain.RoleEnvironment, count int, isDistributed bool) map[int]domain.TaskTemplate {
	result := make(map[int]domain.TaskTemplate, count)
	if !isDistributed {
		return result
	}
	for i := 0; i < count; i++ {
		result[i] = env.Default
	}
	for _, override := range env.Overrides {
		if override.Index < 0 || override.Index >= count {
			continue
		}
		result[override.Index] = merge(result[override.Index], override.TaskTemplate)
	}
	return result
}

func merge(base domain.TaskTemplate, override domain.TaskTemplate) domain.TaskTemplate {
	if override.Resources != nil {
		base.Resources = override.Resources
	}
	if override.NodeSelector != nil {
		base.NodeSelector = override.NodeSelector
	}
	if override.Affinity != nil {
		base.Affinity = override.Affinity
	}
	if override.Tolerations != nil {
		base.Tolerations = override.Tolerations
	}
	return base
}

// Framework describes the topology of a distributed training framework: which secondary roles
// it runs next to the master and which of them are exposed through a service.
type Framework struct {
	Name  string
	Roles map[domain.TaskType]RolePolicy
	// Roles exposed with a service. The master is always exposed.
	ServiceRoles map[domain.TaskType]bool
}

// SecondaryRoles returns the framework's secondary roles in a stable order.
func (f *Framework) SecondaryRoles() []domain.TaskType {
	roles := maps.Keys(f.Roles)
	slices.Sort(roles)
	return roles
}

var frameworks = map[string]*Framework{
	"tensorflow": {
		Name:         "tensorflow",
		Roles:        map[domain.TaskType]RolePolicy{domain.TaskWorker: IndexedRolePolicy{}, domain.TaskPS: IndexedRolePolicy{}},
		ServiceRoles: map[domain.TaskType]bool{domain.TaskWorker: true, domain.TaskPS: true},
	},
	"horovod": {
		Name:         "horovod",
		Roles:        map[domain.TaskType]RolePolicy{domain.TaskWorker: IndexedRolePolicy{}},
		ServiceRoles: map[domain.TaskType]bool{domain.TaskWorker: true},
	},
	"mxnet": {
		Name:         "mxnet",
		Roles:        map[domain.TaskType]RolePolicy{domain.TaskWorker: IndexedRolePolicy{}, domain.TaskServer: IndexedRolePolicy{}},
		ServiceRoles: map[domain.TaskType]bool{domain.TaskWorker: true, domain.TaskServer: true},
	},
	"pytorch": {
		Name:         "pytorch",
		Roles:        map[domain.TaskType]RolePolicy{domain.TaskWorker: IndexedRolePolicy{}},
		ServiceRoles: map[domain.TaskType]bool{domain.TaskWorker: false},
	},
}

// LookupFramework returns the framework registered under name. An empty name runs the master alone.
func LookupFramework(name string) (*Framework, error) {
	if name == "" {
		return &Framework{Name: "", Roles: map[domain.TaskType]RolePolicy{}}, nil
	}
	framework, ok := frameworks[name]
	if !ok {
		return nil, &tunererrors.ErrConfiguration{Entity: "experiment", Message: "unsupported framework " + name}
	}
	return framework, nil
}
