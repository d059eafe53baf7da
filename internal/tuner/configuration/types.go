package configuration

import (
	"time"

	"github.com/G-Research/tuner/internal/common/config"
)

type KubernetesConfiguration struct {
	// Kubeconfig is optional; the in-cluster configuration is used when empty.
	Kubeconfig string
	// Namespace all compute objects are created in.
	Namespace string  `validate:"required"`
	QPS       float32 `validate:"gt=0"`
	Burst     int     `validate:"gt=0"`
}

// RedisConfiguration holds one connection per logical database.
type RedisConfiguration struct {
	// Containers tracks live containers of jobs.
	Containers config.RedisConfig
	// Streams holds monitoring subscriptions and the latest resource snapshots.
	Streams config.RedisConfig
	// Ephemeral holds short lived values such as pod auth tokens.
	Ephemeral config.RedisConfig
	// ConnectAttempts bounds the pings made at startup before giving up.
	ConnectAttempts uint `validate:"gte=1"`
}

type SpawnerConfiguration struct {
	ContainerName     string `validate:"required"`
	Port              int32  `validate:"gt=0"`
	CreateConcurrency int    `validate:"gte=1"`
	DeleteConcurrency int    `validate:"gte=1"`
	// BuilderImage runs image builds. Experiments requiring a build fail when it is empty.
	BuilderImage string
}

type AuthConfiguration struct {
	// TokenSecret signs the ephemeral tokens handed to pods. No tokens are issued when it is empty.
	TokenSecret string
	TokenTTL    time.Duration
}

type TaskConfiguration struct {
	// RetryInterval is the delay before a task asking to be retried runs again.
	RetryInterval  time.Duration `validate:"required"`
	StopMaxRetries int           `validate:"gte=0"`
	// PodResyncInterval is how often the state of every managed pod is replayed.
	PodResyncInterval     time.Duration `validate:"required"`
	TrackerReportInterval time.Duration `validate:"required"`
	// PodStateRetention is how long an ingested pod state is remembered to skip duplicates.
	PodStateRetention time.Duration `validate:"required"`
	ShutdownTimeout   time.Duration
}

type TunerConfiguration struct {
	MetricsPort uint16
	Kubernetes  KubernetesConfiguration
	Redis       RedisConfiguration
	Spawner     SpawnerConfiguration
	Auth        AuthConfiguration
	Task        TaskConfiguration
}
