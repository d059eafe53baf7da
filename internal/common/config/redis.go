package config

import (
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig connects to a single redis, a cluster (several Addrs) or a sentinel group (MasterName set).
type RedisConfig struct {
	Addrs      []string `validate:"required,min=1"`
	DB         int      `validate:"gte=0,lte=15"`
	Password   string
	MasterName string
	PoolSize   int `validate:"gte=1"`
	MaxRetries int
	// Zero timeouts keep the go-redis defaults.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		DB:           rc.DB,
		Password:     rc.Password,
		MasterName:   rc.MasterName,
		PoolSize:     rc.PoolSize,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		IdleTimeout:  rc.IdleTimeout,
	}
}
