package spawner

import (
	"encoding/json"
	"fmt"
	"strconv"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/pointer"

	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/tuner/domain"
)

const (
	AppLabel          = "app.kubernetes.io/name"
	ManagedByLabel    = "app.kubernetes.io/managed-by"
	ExperimentLabel   = "tuner.io/experiment"
	GroupLabel        = "tuner.io/experiment-group"
	TaskTypeLabel     = "tuner.io/task-type"
	TaskIndexLabel    = "tuner.io/task-index"
	JobIdLabel        = "tuner.io/job"
	ManagedByValue    = "tuner"
	ExperimentAppName = "tuner-experiment"

	ClusterEnvVar        = "TUNER_CLUSTER"
	ExperimentInfoEnvVar = "TUNER_EXPERIMENT_INFO"
	ParamsEnvVar         = "TUNER_PARAMS"
	TaskTypeEnvVar       = "TUNER_TASK_TYPE"
	TaskIndexEnvVar      = "TUNER_TASK_INDEX"
	AuthTokenEnvVar      = "TUNER_AUTH_TOKEN"

	jobNameFormat   = "tuner-job-%s%d-%s"
	buildNameFormat = "tuner-build-%s"
)

// ManagedSelector selects every compute object created by the tuner.
func ManagedSelector() labels.Selector {
	return labels.SelectorFromSet(map[string]string{ManagedByLabel: ManagedByValue})
}

// ExperimentSelector selects the compute objects of one experiment.
func ExperimentSelector(experimentId string) labels.Selector {
	return labels.SelectorFromSet(map[string]string{ManagedByLabel: ManagedByValue, ExperimentLabel: experimentId})
}

// PodManager builds the pod and service descriptions of an experiment's tasks.
type PodManager struct {
	namespace     string
	containerName string
	port          int32
	experiment    *domain.Experiment
	// Role to ordered addresses, nil until the cluster is defined.
	clusterDef map[domain.TaskType][]string
}

func NewPodManager(namespace string, containerName string, port int32, experiment *domain.Experiment) *PodManager {
	return &PodManager{
		namespace:     namespace,
		containerName: containerName,
		port:          port,
		experiment:    experiment,
	}
}

func (m *PodManager) SetClusterDef(clusterDef map[domain.TaskType][]string) {
	m.clusterDef = clusterDef
}

func (m *PodManager) JobName(role domain.TaskType, index int) string {
	return fmt.Sprintf(jobNameFormat, role, index, m.experiment.Id)
}

// Address is the in-cluster address of a task, served by the task's service.
func (m *PodManager) Address(role domain.TaskType, index int) string {
	return fmt.Sprintf("%s.%s:%d", m.JobName(role, index), m.namespace, m.port)
}

func (m *PodManager) ExperimentLabels() map[string]string {
	result := map[string]string{
		AppLabel:        ExperimentAppName,
		ManagedByLabel:  ManagedByValue,
		ExperimentLabel: m.experiment.Id,
	}
	if m.experiment.GroupId != "" {
		result[GroupLabel] = m.experiment.GroupId
	}
	return result
}

func (m *PodManager) TaskLabels(role domain.TaskType, index int) map[string]string {
	return util.MergeMaps(m.ExperimentLabels(), map[string]string{
		TaskTypeLabel:  string(role),
		TaskIndexLabel: strconv.Itoa(index),
	})
}

// BuildPod describes the pod of one task. The cluster definition must be set first since
// every task receives the addresses of all tasks.
func (m *PodManager) BuildPod(role domain.TaskType, index int, jobId string, template domain.TaskTemplate, authToken string) *v1.Pod {
	if m.clusterDef == nil {
		panic(fmt.Sprintf("cannot build pod %s before the cluster definition of experiment %s is set", m.JobName(role, index), m.experiment.Id))
	}
	podLabels := util.MergeMaps(m.TaskLabels(role, index), map[string]string{JobIdLabel: jobId})

	container := v1.Container{
		Name:    m.containerName,
		Image:   m.experiment.Spec.Image,
		Command: m.experiment.Spec.Command,
		Args:    m.experiment.Spec.Args,
		Ports:   []v1.ContainerPort{{ContainerPort: m.port, Protocol: v1.ProtocolTCP}},
		Env:     m.envVars(role, index, authToken),
	}
	if template.Resources != nil {
		container.Resources = *template.Resources.DeepCopy()
	}

	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.JobName(role, index),
			Namespace: m.namespace,
			Labels:    podLabels,
		},
		Spec: v1.PodSpec{
			RestartPolicy:                 v1.RestartPolicyNever,
			TerminationGracePeriodSeconds: pointer.Int64(30),
			Containers:                    []v1.Container{container},
			NodeSelector:                  template.NodeSelector,
			Affinity:                      template.Affinity,
			Tolerations:                   template.Tolerations,
		},
	}
}

func (m *PodManager) BuildJobName() string {
	return fmt.Sprintf(buildNameFormat, m.experiment.Id)
}

// BuildImagePod describes the pod building the experiment's image with builderImage.
// The builder receives the image to push as its destination argument.
func (m *PodManager) BuildImagePod(jobId string, builderImage string) *v1.Pod {
	podLabels := util.MergeMaps(m.ExperimentLabels(), map[string]string{
		TaskTypeLabel: string(domain.TaskBuild),
		JobIdLabel:    jobId,
	})
	env := make([]v1.EnvVar, 0, len(m.experiment.Spec.Env)+1)
	for _, name := range sortedKeys(m.experiment.Spec.Env) {
		env = append(env, v1.EnvVar{Name: name, Value: m.experiment.Spec.Env[name]})
	}
	env = append(env, v1.EnvVar{Name: ExperimentInfoEnvVar, Value: mustJson(m.ExperimentLabels())})
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.BuildJobName(),
			Namespace: m.namespace,
			Labels:    podLabels,
		},
		Spec: v1.PodSpec{
			RestartPolicy: v1.RestartPolicyNever,
			Containers: []v1.Container{{
				Name:  "build",
				Image: builderImage,
				Args:  []string{"--destination=" + m.experiment.Spec.Image},
				Env:   env,
			}},
		},
	}
}

// BuildService describes the headless service that makes a task reachable at its address.
func (m *PodManager) BuildService(role domain.TaskType, index int) *v1.Service {
	return &v1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.JobName(role, index),
			Namespace: m.namespace,
			Labels:    m.TaskLabels(role, index),
		},
		Spec: v1.ServiceSpec{
			ClusterIP: v1.ClusterIPNone,
			Selector:  m.TaskLabels(role, index),
			Ports: []v1.ServicePort{{
				Port:       m.port,
				TargetPort: intstr.FromInt(int(m.port)),
				Protocol:   v1.ProtocolTCP,
			}},
		},
	}
}

func (m *PodManager) envVars(role domain.TaskType, index int, authToken string) []v1.EnvVar {
	result := make([]v1.EnvVar, 0, len(m.experiment.Spec.Env)+6)
	for _, name := range sortedKeys(m.experiment.Spec.Env) {
		result = append(result, v1.EnvVar{Name: name, Value: m.experiment.Spec.Env[name]})
	}
	result = append(result,
		v1.EnvVar{Name: ClusterEnvVar, Value: mustJson(m.clusterDef)},
		v1.EnvVar{Name: ExperimentInfoEnvVar, Value: mustJson(m.ExperimentLabels())},
		v1.EnvVar{Name: ParamsEnvVar, Value: mustJson(m.experiment.Params)},
		v1.EnvVar{Name: TaskTypeEnvVar, Value: string(role)},
		v1.EnvVar{Name: TaskIndexEnvVar, Value: strconv.Itoa(index)},
	)
	if authToken != "" {
		result = append(result, v1.EnvVar{Name: AuthTokenEnvVar, Value: authToken})
	}
	return result
}

func mustJson(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return string(data)
}
