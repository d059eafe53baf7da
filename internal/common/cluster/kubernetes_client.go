package cluster

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/G-Research/tuner/internal/common/tunererrors"
)

const userAgent = "tuner"

type KubernetesClientProvider interface {
	Client() kubernetes.Interface
	ClientConfig() *rest.Config
}

type ConfigKubernetesClientProvider struct {
	restConfig *rest.Config
	client     kubernetes.Interface
}

// NewKubernetesClientProvider connects with the kubeconfig at path kubeconfig if set. Otherwise it uses
// the in-cluster configuration, falling back to the default loading rules outside a cluster.
// Every call made through the client shares one limiter of qps calls per second and bursts of burst calls.
func NewKubernetesClientProvider(kubeconfig string, qps float32, burst int) (*ConfigKubernetesClientProvider, error) {
	if qps <= 0 {
		return nil, notPositive("qps", qps)
	}
	if burst <= 0 {
		return nil, notPositive("burst", burst)
	}

	restConfig, err := loadConfig(kubeconfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	restConfig.UserAgent = userAgent
	restConfig.RateLimiter = flowcontrol.NewTokenBucketRateLimiter(qps, burst)

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ConfigKubernetesClientProvider{restConfig: restConfig, client: client}, nil
}

func notPositive(name string, value interface{}) error {
	return errors.WithStack(&tunererrors.ErrInvalidArgument{Name: name, Value: value, Message: name + " must be positive"})
}

func (c *ConfigKubernetesClientProvider) Client() kubernetes.Interface {
	return c.client
}

func (c *ConfigKubernetesClientProvider) ClientConfig() *rest.Config {
	return c.restConfig
}

func loadConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		log.Infof("Connecting to kubernetes with %s", kubeconfig)
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	config, err := rest.InClusterConfig()
	if errors.Is(err, rest.ErrNotInCluster) {
		log.Info("Not running in a cluster, connecting with the default kubeconfig")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	}
	return config, err
}

// FakeClientProvider hands out a fixed client, typically a fake clientset.
type FakeClientProvider struct {
	FakeClient kubernetes.Interface
}

func (p *FakeClientProvider) Client() kubernetes.Interface {
	return p.FakeClient
}

func (p *FakeClientProvider) ClientConfig() *rest.Config {
	return &rest.Config{}
}
