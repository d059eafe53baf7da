package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/G-Research/tuner/internal/common/config"
	"github.com/G-Research/tuner/internal/common/health"
)

const envPrefix = "TUNER"

// LoadConfig reads config.yaml from defaultPath, merges every file in overrideConfigs on top of it and
// finally applies TUNER_ prefixed environment variables. Flags that were set on the command line win over all of them.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string, flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Errorf("Error reading base config path=%s: %v", defaultPath, err)
		os.Exit(-1)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		err := v.MergeInConfig()
		if err != nil {
			log.Errorf("Error reading config from %s: %v", overrideConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	err := v.Unmarshal(config, commonconfig.CustomHooks...)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}

func readEnvironmentLogLevel() log.Level {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		logLevel, err := log.ParseLevel(level)
		if err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}

// ServeMetrics serves prometheus metrics on /metrics and, when checker is not nil, health on /health.
func ServeMetrics(port uint16, checker health.Checker) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		health.SetupHttpMux(mux, checker)
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		log.Printf("Starting metrics server on port %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Print("Stopping metrics server")
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Failed to shut down metrics server: %v", err)
		}
	}
}
