package repository

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
)

func TestKeyValueStore(t *testing.T) {
	withKeyValueStore(func(db *miniredis.Miniredis, s *RedisKeyValueStore) {
		_, found, err := s.Get("a")
		assert.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, s.Set("a", "1", 0))
		value, found, err := s.Get("a")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "1", value)
		assert.True(t, db.Exists("test:a"))

		removed, err := s.Delete("a")
		assert.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.Delete("a")
		assert.NoError(t, err)
		assert.False(t, removed)
		_, found, err = s.Get("a")
		assert.NoError(t, err)
		assert.False(t, found)
	})
}

func TestKeyValueStore_Expiry(t *testing.T) {
	withKeyValueStore(func(db *miniredis.Miniredis, s *RedisKeyValueStore) {
		assert.NoError(t, s.Set("a", "1", time.Minute))
		db.FastForward(2 * time.Minute)
		_, found, err := s.Get("a")
		assert.NoError(t, err)
		assert.False(t, found)
	})
}

func TestEphemeralTokens_OneShot(t *testing.T) {
	withKeyValueStore(func(db *miniredis.Miniredis, s *RedisKeyValueStore) {
		tokens := NewEphemeralTokens(s, "secret")
		key, token, err := tokens.Generate("experiment.e1", time.Hour)
		assert.NoError(t, err)
		assert.Equal(t, "EphemeralToken "+key+"."+token, tokens.HeaderToken(key, token))

		scope, valid, err := tokens.Check(key, token)
		assert.NoError(t, err)
		assert.True(t, valid)
		assert.Equal(t, "experiment.e1", scope)

		_, valid, err = tokens.Check(key, token)
		assert.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestEphemeralTokens_ConcurrentChecksAcceptOnce(t *testing.T) {
	withKeyValueStore(func(db *miniredis.Miniredis, s *RedisKeyValueStore) {
		tokens := NewEphemeralTokens(s, "secret")
		for trial := 0; trial < 50; trial++ {
			key, token, err := tokens.Generate("experiment.e1", time.Hour)
			assert.NoError(t, err)

			var accepted int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, valid, err := tokens.Check(key, token)
					assert.NoError(t, err)
					if valid {
						atomic.AddInt32(&accepted, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), accepted)
		}
	})
}

func TestEphemeralTokens_RejectsWrongToken(t *testing.T) {
	withKeyValueStore(func(db *miniredis.Miniredis, s *RedisKeyValueStore) {
		tokens := NewEphemeralTokens(s, "secret")
		key, _, err := tokens.Generate("experiment.e1", time.Hour)
		assert.NoError(t, err)

		_, valid, err := tokens.Check(key, "forged")
		assert.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestEphemeralTokens_Expire(t *testing.T) {
	withKeyValueStore(func(db *miniredis.Miniredis, s *RedisKeyValueStore) {
		tokens := NewEphemeralTokens(s, "secret")
		key, token, err := tokens.Generate("experiment.e1", time.Hour)
		assert.NoError(t, err)
		db.FastForward(2 * time.Hour)

		_, valid, err := tokens.Check(key, token)
		assert.NoError(t, err)
		assert.False(t, valid)
	})
}

func withKeyValueStore(action func(db *miniredis.Miniredis, s *RedisKeyValueStore)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	action(db, NewRedisKeyValueStore(client, "test:"))
}
