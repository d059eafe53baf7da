package cluster

import (
	"context"

	"github.com/pkg/errors"
	v1 "k8s.io/api/core/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	informer "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/G-Research/tuner/internal/common/cluster"
	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/tuner/metrics"
)

// ClusterContext creates, reads and deletes the compute objects (pods) and network-exposing
// objects (services) of experiments in a single namespace.
type ClusterContext interface {
	Namespace() string

	SubmitPod(ctx context.Context, pod *v1.Pod) (*v1.Pod, error)
	GetPod(ctx context.Context, name string) (*v1.Pod, error)
	DeletePod(ctx context.Context, name string) error
	ListPods(ctx context.Context, selector labels.Selector) ([]*v1.Pod, error)

	SubmitService(ctx context.Context, service *v1.Service) (*v1.Service, error)
	GetService(ctx context.Context, name string) (*v1.Service, error)
	DeleteService(ctx context.Context, name string) error
	ListServices(ctx context.Context, selector labels.Selector) ([]*v1.Service, error)

	AddPodEventHandler(handler cache.ResourceEventHandlerFuncs)
	// GetManagedPods returns the pods carrying the managed-by label from the informer cache.
	GetManagedPods() ([]*v1.Pod, error)
	Stop()
}

type KubernetesClusterContext struct {
	namespace        string
	kubernetesClient kubernetes.Interface
	podInformer      informer.PodInformer
	managedSelector  labels.Selector
	stopper          chan struct{}
}

// NewClusterContext starts a pod informer restricted to namespace and to pods matching managedSelector.
func NewClusterContext(namespace string, managedSelector labels.Selector, provider cluster.KubernetesClientProvider) *KubernetesClusterContext {
	kubernetesClient := provider.Client()
	factory := informers.NewSharedInformerFactoryWithOptions(
		kubernetesClient,
		0,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(options *metav1.ListOptions) {
			options.LabelSelector = managedSelector.String()
		}),
	)

	context := &KubernetesClusterContext{
		namespace:        namespace,
		kubernetesClient: kubernetesClient,
		podInformer:      factory.Core().V1().Pods(),
		managedSelector:  managedSelector,
		stopper:          make(chan struct{}),
	}

	// Use the pod informer so it is registered with the factory before it is started
	context.podInformer.Lister()

	factory.Start(context.stopper)
	factory.WaitForCacheSync(context.stopper)
	return context
}

func (c *KubernetesClusterContext) Namespace() string {
	return c.namespace
}

func (c *KubernetesClusterContext) Stop() {
	close(c.stopper)
}

func (c *KubernetesClusterContext) AddPodEventHandler(handler cache.ResourceEventHandlerFuncs) {
	c.podInformer.Informer().AddEventHandler(handler)
}

func (c *KubernetesClusterContext) GetManagedPods() ([]*v1.Pod, error) {
	return c.podInformer.Lister().Pods(c.namespace).List(c.managedSelector)
}

func (c *KubernetesClusterContext) SubmitPod(ctx context.Context, pod *v1.Pod) (*v1.Pod, error) {
	returnedPod, err := c.kubernetesClient.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	recordOperation("pod", "create", err)
	if err != nil {
		return nil, errors.WithStack(&tunererrors.ErrCreateResource{Type: "pod", Name: pod.Name, Message: err.Error()})
	}
	return returnedPod, nil
}

func (c *KubernetesClusterContext) GetPod(ctx context.Context, name string) (*v1.Pod, error) {
	pod, err := c.kubernetesClient.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, notFoundOr("pod", name, err)
	}
	return pod, nil
}

// DeletePod deletes a pod; a pod that is already gone is not an error.
func (c *KubernetesClusterContext) DeletePod(ctx context.Context, name string) error {
	err := c.kubernetesClient.CoreV1().Pods(c.namespace).Delete(ctx, name, createDeleteOptions())
	if err != nil && k8s_errors.IsNotFound(err) {
		return nil
	}
	recordOperation("pod", "delete", err)
	return errors.WithStack(err)
}

func (c *KubernetesClusterContext) ListPods(ctx context.Context, selector labels.Selector) ([]*v1.Pod, error) {
	list, err := c.kubernetesClient.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*v1.Pod, 0, len(list.Items))
	for i := range list.Items {
		result = append(result, &list.Items[i])
	}
	return result, nil
}

func (c *KubernetesClusterContext) SubmitService(ctx context.Context, service *v1.Service) (*v1.Service, error) {
	returnedService, err := c.kubernetesClient.CoreV1().Services(c.namespace).Create(ctx, service, metav1.CreateOptions{})
	recordOperation("service", "create", err)
	if err != nil {
		return nil, errors.WithStack(&tunererrors.ErrCreateResource{Type: "service", Name: service.Name, Message: err.Error()})
	}
	return returnedService, nil
}

func (c *KubernetesClusterContext) GetService(ctx context.Context, name string) (*v1.Service, error) {
	service, err := c.kubernetesClient.CoreV1().Services(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, notFoundOr("service", name, err)
	}
	return service, nil
}

// DeleteService deletes a service; a service that is already gone is not an error.
func (c *KubernetesClusterContext) DeleteService(ctx context.Context, name string) error {
	err := c.kubernetesClient.CoreV1().Services(c.namespace).Delete(ctx, name, createDeleteOptions())
	if err != nil && k8s_errors.IsNotFound(err) {
		return nil
	}
	recordOperation("service", "delete", err)
	return errors.WithStack(err)
}

func (c *KubernetesClusterContext) ListServices(ctx context.Context, selector labels.Selector) ([]*v1.Service, error) {
	list, err := c.kubernetesClient.CoreV1().Services(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*v1.Service, 0, len(list.Items))
	for i := range list.Items {
		result = append(result, &list.Items[i])
	}
	return result, nil
}

func notFoundOr(kind string, name string, err error) error {
	if k8s_errors.IsNotFound(err) {
		return errors.WithStack(&tunererrors.ErrNotFound{Type: kind, Value: name})
	}
	return errors.WithStack(err)
}

func recordOperation(object string, operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.ComputeObjectOperations.WithLabelValues(object, operation, result).Inc()
}

func createDeleteOptions() metav1.DeleteOptions {
	gracePeriod := int64(0)
	deleteOptions := metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
	}
	return deleteOptions
}
