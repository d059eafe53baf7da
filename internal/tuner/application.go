package tuner

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tuner/internal/common"
	commoncluster "github.com/G-Research/tuner/internal/common/cluster"
	commonconfig "github.com/G-Research/tuner/internal/common/config"
	"github.com/G-Research/tuner/internal/common/health"
	"github.com/G-Research/tuner/internal/common/task"
	"github.com/G-Research/tuner/internal/common/util"
	"github.com/G-Research/tuner/internal/tuner/cluster"
	"github.com/G-Research/tuner/internal/tuner/configuration"
	"github.com/G-Research/tuner/internal/tuner/dispatch"
	"github.com/G-Research/tuner/internal/tuner/effects"
	"github.com/G-Research/tuner/internal/tuner/hpsearch"
	"github.com/G-Research/tuner/internal/tuner/metrics"
	"github.com/G-Research/tuner/internal/tuner/repository"
	"github.com/G-Research/tuner/internal/tuner/scheduler"
	"github.com/G-Research/tuner/internal/tuner/spawner"
)

const ephemeralKeyPrefix = "tuner:ephemeral:"

// StartUp connects to redis and the cluster, registers every task handler and starts the background loops.
// The returned function shuts everything down and releases the wait group.
func StartUp(config configuration.TunerConfiguration) (*Submitter, func(), *sync.WaitGroup) {
	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		os.Exit(-1)
	}

	kubernetesClientProvider, err := commoncluster.NewKubernetesClientProvider(config.Kubernetes.Kubeconfig, config.Kubernetes.QPS, config.Kubernetes.Burst)
	if err != nil {
		log.Errorf("Failed to connect to kubernetes because %s", err)
		os.Exit(-1)
	}

	containersDb, err := connectRedis("containers", config.Redis.Containers, config.Redis.ConnectAttempts)
	if err != nil {
		log.Errorf("Failed to connect to redis because %s", err)
		os.Exit(-1)
	}
	streamsDb, err := connectRedis("streams", config.Redis.Streams, config.Redis.ConnectAttempts)
	if err != nil {
		log.Errorf("Failed to connect to redis because %s", err)
		os.Exit(-1)
	}
	ephemeralDb, err := connectRedis("ephemeral", config.Redis.Ephemeral, config.Redis.ConnectAttempts)
	if err != nil {
		log.Errorf("Failed to connect to redis because %s", err)
		os.Exit(-1)
	}

	store, err := repository.NewMemDbEntityStore(&util.DefaultClock{})
	if err != nil {
		log.Errorf("Failed to create entity store because %s", err)
		os.Exit(-1)
	}
	containers := repository.NewRedisContainerRepository(containersDb, store)
	streams := repository.NewRedisStreamRepository(streamsDb)
	dispatcher := dispatch.NewInMemoryDispatcher()
	executor := effects.NewExecutor(store, dispatcher, containers, streams)

	var tokens spawner.TokenIssuer
	if config.Auth.TokenSecret != "" {
		tokens = repository.NewEphemeralTokens(repository.NewRedisKeyValueStore(ephemeralDb, ephemeralKeyPrefix), config.Auth.TokenSecret)
	} else {
		log.Warn("No token secret configured, pods will not receive auth tokens")
	}

	clusterContext := cluster.NewClusterContext(config.Kubernetes.Namespace, spawner.ManagedSelector(), kubernetesClientProvider)

	experiments := scheduler.NewExperimentScheduler(store, executor, clusterContext, tokens, scheduler.Config{
		Spawner: spawner.Config{
			ContainerName:     config.Spawner.ContainerName,
			Port:              config.Spawner.Port,
			CreateConcurrency: config.Spawner.CreateConcurrency,
			DeleteConcurrency: config.Spawner.DeleteConcurrency,
			TokenTTL:          config.Auth.TokenTTL,
		},
		BuilderImage: config.Spawner.BuilderImage,
	})
	groups := hpsearch.NewController(store, executor, experiments, hpsearch.DefaultPolicyFactory)
	scheduler.RegisterTasks(dispatcher, experiments, groups, config.Task.RetryInterval, config.Task.StopMaxRetries)

	podMonitor := scheduler.NewPodMonitor(clusterContext, store, executor, containers, config.Task.PodStateRetention)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register("pod_resync", config.Task.PodResyncInterval, podMonitor.Resync)
	taskManager.Register("tracked_containers", config.Task.TrackerReportInterval, func(ctx context.Context) {
		containers.ReportTrackedContainers()
	})

	stopMetricsServer := common.ServeMetrics(config.MetricsPort, health.NewMultiChecker(
		redisChecker(containersDb),
		redisChecker(streamsDb),
		redisChecker(ephemeralDb),
	))

	wg := &sync.WaitGroup{}
	wg.Add(1)
	return NewSubmitter(store, executor, dispatcher), func() {
		timeout := config.Task.ShutdownTimeout
		if taskManager.StopAll(timeout) {
			log.Warnf("Background tasks did not stop within %s", timeout)
		}
		if dispatcher.Stop(timeout) {
			log.Warnf("Running tasks did not finish within %s", timeout)
		}
		clusterContext.Stop()
		stopMetricsServer()
		for _, db := range []redis.UniversalClient{containersDb, streamsDb, ephemeralDb} {
			if err := db.Close(); err != nil {
				log.Warnf("Failed to close redis connection: %s", err)
			}
		}
		log.Infof("Shutdown complete")
		wg.Done()
	}, wg
}

func connectRedis(name string, config commonconfig.RedisConfig, attempts uint) (redis.UniversalClient, error) {
	db := redis.NewUniversalClient(config.AsUniversalOptions())
	err := retry.Do(
		func() error {
			return db.Ping().Err()
		},
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("Redis %s not reachable on attempt %d: %s", name, n+1, err)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "redis %s", name)
	}
	log.Infof("Connected to redis %s at %v", name, config.Addrs)
	return db, nil
}

func redisChecker(db redis.UniversalClient) health.Checker {
	return health.CheckerFunc(func() error {
		return errors.WithStack(db.Ping().Err())
	})
}
