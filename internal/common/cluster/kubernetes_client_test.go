package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/G-Research/tuner/internal/common/tunererrors"
)

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://127.0.0.1:6443
contexts:
- name: test
  context:
    cluster: test
    user: test
current-context: test
users:
- name: test
  user:
    token: secret
`

func TestNewKubernetesClientProvider_RejectsInvalidRateLimits(t *testing.T) {
	_, err := NewKubernetesClientProvider("", 0, 10)
	assert.Equal(t, tunererrors.ClassConfiguration, tunererrors.ClassFromError(err))

	_, err = NewKubernetesClientProvider("", 10, -1)
	assert.Equal(t, tunererrors.ClassConfiguration, tunererrors.ClassFromError(err))
}

func TestNewKubernetesClientProvider_FromKubeconfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(kubeconfig), 0o600))

	provider, err := NewKubernetesClientProvider(path, 20, 40)

	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:6443", provider.ClientConfig().Host)
	assert.Equal(t, "tuner", provider.ClientConfig().UserAgent)
	assert.NotNil(t, provider.Client())
}

func TestNewKubernetesClientProvider_MissingKubeconfig(t *testing.T) {
	_, err := NewKubernetesClientProvider(filepath.Join(t.TempDir(), "missing"), 20, 40)
	assert.Error(t, err)
}

func TestFakeClientProvider(t *testing.T) {
	client := fake.NewSimpleClientset()
	provider := &FakeClientProvider{FakeClient: client}
	assert.Equal(t, client, provider.Client())
	assert.NotNil(t, provider.ClientConfig())
}
