package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Redis    RedisConfig
	Interval time.Duration `validate:"required"`
}

func TestValidationMessages(t *testing.T) {
	err := Validate(testConfig{Redis: RedisConfig{Addrs: []string{"localhost:6379"}, DB: 20, PoolSize: 1}})

	assert.ElementsMatch(t, []string{
		"Field Redis.DB has invalid value 20: lte=15",
		"Field Interval is required but was not found",
	}, ValidationMessages(err))
}

func TestValidationMessages_OtherErrors(t *testing.T) {
	assert.Nil(t, ValidationMessages(nil))
	assert.Equal(t, []string{"boom"}, ValidationMessages(errors.New("boom")))
}

func TestCustomHooks(t *testing.T) {
	v := viper.New()
	v.Set("interval", "30s")
	v.Set("redis.addrs", "redis-0:6379,redis-1:6379")
	v.Set("redis.poolSize", 10)

	var config testConfig
	require.NoError(t, v.Unmarshal(&config, CustomHooks...))

	assert.Equal(t, 30*time.Second, config.Interval)
	assert.Equal(t, []string{"redis-0:6379", "redis-1:6379"}, config.Redis.Addrs)
	assert.NoError(t, Validate(config))
}

func TestAsUniversalOptions(t *testing.T) {
	options := RedisConfig{Addrs: []string{"redis:6379"}, DB: 2, PoolSize: 5, MasterName: "primary"}.AsUniversalOptions()

	assert.Equal(t, []string{"redis:6379"}, options.Addrs)
	assert.Equal(t, 2, options.DB)
	assert.Equal(t, 5, options.PoolSize)
	assert.Equal(t, "primary", options.MasterName)
}
