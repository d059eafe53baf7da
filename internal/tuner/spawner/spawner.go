// Package spawner resolves the distributed topology of an experiment onto the cluster.
package spawner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	v1 "k8s.io/api/core/v1"

	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/tuner/cluster"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

type State int

const (
	Uninitialized State = iota
	ClusterDefined
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case ClusterDefined:
		return "ClusterDefined"
	case Started:
		return "Started"
	case Stopped:
		return "Stopped"
	default:
		return "Uninitialized"
	}
}

// CreatedTask describes the compute objects created for one task.
type CreatedTask struct {
	JobId   string
	Role    domain.TaskType
	Index   int
	Pod     *v1.Pod
	Service *v1.Service
}

// TokenIssuer issues the one-shot token a task uses to authenticate back to the control plane.
type TokenIssuer interface {
	Generate(scope string, ttl time.Duration) (string, string, error)
	HeaderToken(key string, token string) string
}

type Config struct {
	ContainerName     string
	Port              int32
	CreateConcurrency int
	DeleteConcurrency int
	TokenTTL          time.Duration
}

// Spawner creates and deletes the pods and services of one experiment.
// Not threadsafe: one spawner serves one task handler invocation.
type Spawner struct {
	experiment    *domain.Experiment
	framework     *Framework
	clusterCtx    cluster.ClusterContext
	pods          *PodManager
	tokens        TokenIssuer
	config        Config
	state         State
	clusterDef    map[domain.TaskType]int
	isDistributed bool
	templates     map[domain.TaskType]map[int]domain.TaskTemplate
}

// NewSpawner returns a spawner for experiment. tokens may be nil, in which case tasks get no auth token.
func NewSpawner(experiment *domain.Experiment, clusterCtx cluster.ClusterContext, tokens TokenIssuer, config Config) (*Spawner, error) {
	framework, err := LookupFramework(experiment.Spec.Framework)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Spawner{
		experiment: experiment,
		framework:  framework,
		clusterCtx: clusterCtx,
		pods:       NewPodManager(clusterCtx.Namespace(), config.ContainerName, config.Port, experiment),
		tokens:     tokens,
		config:     config,
		state:      Uninitialized,
	}, nil
}

func (s *Spawner) State() State {
	return s.state
}

func (s *Spawner) PodManager() *PodManager {
	return s.pods
}

// SetCluster defines the topology. The master always runs exactly one task; secondary roles must
// be known to the experiment's framework.
func (s *Spawner) SetCluster(clusterDef map[domain.TaskType]int, isDistributed bool) error {
	def := map[domain.TaskType]int{domain.TaskMaster: 1}
	for role, count := range clusterDef {
		if role == domain.TaskMaster {
			continue
		}
		if _, ok := s.framework.Roles[role]; !ok {
			return errors.WithStack(&tunererrors.ErrConfiguration{
				Entity:  "experiment " + s.experiment.Id,
				Message: fmt.Sprintf("framework %q has no role %q", s.framework.Name, role),
			})
		}
		if count < 0 {
			return errors.WithStack(&tunererrors.ErrInvalidArgument{Name: string(role), Value: count, Message: "task count must not be negative"})
		}
		def[role] = count
	}

	env := s.experiment.Spec.Environment
	templates := map[domain.TaskType]map[int]domain.TaskTemplate{
		domain.TaskMaster: {0: env.Master},
	}
	for _, role := range s.framework.SecondaryRoles() {
		templates[role] = s.framework.Roles[role].Resolve(env.Roles[role], def[role], isDistributed)
	}

	s.clusterDef = def
	s.isDistributed = isDistributed
	s.templates = templates
	s.pods.SetClusterDef(s.addresses())
	s.state = ClusterDefined
	return nil
}

// NPods is the number of tasks of a role, 0 for roles not in the cluster definition.
func (s *Spawner) NPods(role domain.TaskType) int {
	return s.clusterDef[role]
}

func (s *Spawner) Resources(role domain.TaskType, index int) (*v1.ResourceRequirements, bool) {
	template, ok := s.template(role, index)
	return template.Resources, ok
}

func (s *Spawner) NodeSelector(role domain.TaskType, index int) (map[string]string, bool) {
	template, ok := s.template(role, index)
	return template.NodeSelector, ok
}

func (s *Spawner) Affinity(role domain.TaskType, index int) (*v1.Affinity, bool) {
	template, ok := s.template(role, index)
	return template.Affinity, ok
}

func (s *Spawner) Tolerations(role domain.TaskType, index int) ([]v1.Toleration, bool) {
	template, ok := s.template(role, index)
	return template.Tolerations, ok
}

func (s *Spawner) template(role domain.TaskType, index int) (domain.TaskTemplate, bool) {
	template, ok := s.templates[role][index]
	return template, ok
}

// ClusterAddressMap returns, per role, the addresses of its tasks ordered by index.
// Roles whose tasks get no service have no resolvable address and are left out.
func (s *Spawner) ClusterAddressMap() (map[domain.TaskType][]string, error) {
	if s.state == Uninitialized {
		return nil, errors.Errorf("cluster of experiment %s is not defined", s.experiment.Id)
	}
	return s.addresses(), nil
}

func (s *Spawner) addresses() map[domain.TaskType][]string {
	result := make(map[domain.TaskType][]string, len(s.templates))
	for role, templates := range s.templates {
		if !s.hasService(role) {
			continue
		}
		addresses := make([]string, 0, len(templates))
		for i := 0; i < len(templates); i++ {
			addresses = append(addresses, s.pods.Address(role, i))
		}
		result[role] = addresses
	}
	return result
}

// Start creates the master task and then every task of the secondary roles.
// If any creation fails the error is returned and objects already created are left for Stop to sweep.
func (s *Spawner) Start(ctx context.Context) (map[domain.TaskType][]CreatedTask, error) {
	if s.state != ClusterDefined {
		return nil, errors.Errorf("cannot start experiment %s in state %s", s.experiment.Id, s.state)
	}
	s.state = Started

	master, err := s.createTask(ctx, domain.TaskMaster, 0, true)
	if err != nil {
		return nil, err
	}
	result := map[domain.TaskType][]CreatedTask{domain.TaskMaster: {master}}

	var mutex sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(s.config.CreateConcurrency, 1))
	for _, role := range s.framework.SecondaryRoles() {
		created := make([]CreatedTask, len(s.templates[role]))
		result[role] = created
		for index := range created {
			role, index := role, index
			g.Go(func() error {
				task, err := s.createTask(gctx, role, index, s.framework.ServiceRoles[role])
				if err != nil {
					return err
				}
				mutex.Lock()
				created[index] = task
				mutex.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Spawner) createTask(ctx context.Context, role domain.TaskType, index int, withService bool) (CreatedTask, error) {
	template, ok := s.template(role, index)
	if !ok {
		return CreatedTask{}, errors.WithStack(&tunererrors.ErrConfiguration{
			Entity:  "experiment " + s.experiment.Id,
			Message: fmt.Sprintf("no placement template for task %s.%d", role, index),
		})
	}
	authToken, err := s.authToken()
	if err != nil {
		return CreatedTask{}, err
	}
	jobId := util.NewULID()
	pod, err := s.clusterCtx.SubmitPod(ctx, s.pods.BuildPod(role, index, jobId, template, authToken))
	if err != nil {
		return CreatedTask{}, err
	}
	task := CreatedTask{JobId: jobId, Role: role, Index: index, Pod: pod}
	if withService {
		service, err := s.clusterCtx.SubmitService(ctx, s.pods.BuildService(role, index))
		if err != nil {
			return CreatedTask{}, err
		}
		task.Service = service
	}
	return task, nil
}

// StartBuild creates the pod building the experiment's image. It does not need the cluster to be defined.
func (s *Spawner) StartBuild(ctx context.Context, builderImage string) (CreatedTask, error) {
	if builderImage == "" {
		return CreatedTask{}, errors.WithStack(&tunererrors.ErrConfiguration{
			Entity:  "experiment " + s.experiment.Id,
			Message: "a build is required but no builder image is configured",
		})
	}
	jobId := util.NewULID()
	pod, err := s.clusterCtx.SubmitPod(ctx, s.pods.BuildImagePod(jobId, builderImage))
	if err != nil {
		return CreatedTask{}, err
	}
	return CreatedTask{JobId: jobId, Role: domain.TaskBuild, Pod: pod}, nil
}

func (s *Spawner) authToken() (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	key, token, err := s.tokens.Generate("experiment."+s.experiment.Id, s.config.TokenTTL)
	if err != nil {
		return "", err
	}
	return s.tokens.HeaderToken(key, token), nil
}

// Stop deletes the pods and services of every secondary task and then of the master.
// Every deletion is attempted; failures are collected and returned together.
func (s *Spawner) Stop(ctx context.Context) error {
	if s.state == Uninitialized {
		return errors.Errorf("cannot stop experiment %s before its cluster is defined", s.experiment.Id)
	}
	s.state = Stopped

	type object struct {
		role  domain.TaskType
		index int
	}
	var secondaries []object
	for _, role := range s.framework.SecondaryRoles() {
		for index := range s.templates[role] {
			secondaries = append(secondaries, object{role: role, index: index})
		}
	}

	var mutex sync.Mutex
	var result *multierror.Error
	deleteTask := func(o object) {
		err := s.deleteTask(ctx, o.role, o.index)
		if err != nil {
			mutex.Lock()
			result = multierror.Append(result, err)
			mutex.Unlock()
		}
	}
	util.ProcessItemsWithThreadPool(ctx, maxInt(s.config.DeleteConcurrency, 1), secondaries, deleteTask)
	deleteTask(object{role: domain.TaskMaster, index: 0})
	if s.experiment.BuildJobId != "" {
		if err := s.clusterCtx.DeletePod(ctx, s.pods.BuildJobName()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if ctx.Err() != nil {
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

func (s *Spawner) deleteTask(ctx context.Context, role domain.TaskType, index int) error {
	name := s.pods.JobName(role, index)
	var result *multierror.Error
	if err := s.clusterCtx.DeletePod(ctx, name); err != nil {
		log.Warnf("failed to delete pod %s: %s", name, err)
		result = multierror.Append(result, err)
	}
	if s.hasService(role) {
		if err := s.clusterCtx.DeleteService(ctx, name); err != nil {
			log.Warnf("failed to delete service %s: %s", name, err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Spawner) hasService(role domain.TaskType) bool {
	return role == domain.TaskMaster || s.framework.ServiceRoles[role]
}

// Remaining lists the names of the experiment's pods and services still present in the cluster.
func (s *Spawner) Remaining(ctx context.Context) ([]string, error) {
	selector := ExperimentSelector(s.experiment.Id)
	pods, err := s.clusterCtx.ListPods(ctx, selector)
	if err != nil {
		return nil, err
	}
	services, err := s.clusterCtx.ListServices(ctx, selector)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(pods)+len(services))
	for _, pod := range pods {
		result = append(result, "pod/"+pod.Name)
	}
	for _, service := range services {
		result = append(result, "service/"+service.Name)
	}
	slices.Sort(result)
	return result, nil
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
