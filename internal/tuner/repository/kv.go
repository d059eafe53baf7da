package repository

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/tuner/internal/common/util"
)

// KeyValueStore is a typed accessor for short lived values.
type KeyValueStore interface {
	Get(key string) (string, bool, error)
	Set(key string, value string, ttl time.Duration) error
	// Delete removes a key and reports whether it existed.
	Delete(key string) (bool, error)
}

type RedisKeyValueStore struct {
	db     redis.UniversalClient
	prefix string
}

func NewRedisKeyValueStore(db redis.UniversalClient, prefix string) *RedisKeyValueStore {
	return &RedisKeyValueStore{db: db, prefix: prefix}
}

func (s *RedisKeyValueStore) Get(key string) (string, bool, error) {
	value, err := s.db.Get(s.prefix + key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	return value, true, nil
}

// Set stores a value; a zero ttl keeps it until it is deleted.
func (s *RedisKeyValueStore) Set(key string, value string, ttl time.Duration) error {
	return errors.WithStack(s.db.Set(s.prefix+key, value, ttl).Err())
}

func (s *RedisKeyValueStore) Delete(key string) (bool, error) {
	removed, err := s.db.Del(s.prefix + key).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return removed == 1, nil
}

const tokenScheme = "EphemeralToken"

// EphemeralTokens issues one-shot tokens that let pods authenticate back to the control plane.
// A token is an HMAC of a random salt and its scope; it is valid until checked once or until it expires.
type EphemeralTokens struct {
	store  KeyValueStore
	secret []byte
}

func NewEphemeralTokens(store KeyValueStore, secret string) *EphemeralTokens {
	return &EphemeralTokens{store: store, secret: []byte(secret)}
}

// Generate issues a token for scope (e.g. "experiment.<id>") and returns the key it is stored under and the token.
func (t *EphemeralTokens) Generate(scope string, ttl time.Duration) (string, string, error) {
	key := util.NewHexUUID()
	salt := util.NewHexUUID()
	token := t.sign(salt, scope)
	if err := t.store.Set(key, scope+":"+token, ttl); err != nil {
		return "", "", err
	}
	return key, token, nil
}

// HeaderToken formats a token as an authorization header value.
func (t *EphemeralTokens) HeaderToken(key string, token string) string {
	return fmt.Sprintf("%s %s.%s", tokenScheme, key, token)
}

// Check validates a token and consumes it. Unknown, expired and already used tokens are rejected.
func (t *EphemeralTokens) Check(key string, token string) (string, bool, error) {
	value, found, err := t.store.Get(key)
	if err != nil || !found {
		return "", false, err
	}
	// Only the caller that removes the key consumes the token.
	removed, err := t.store.Delete(key)
	if err != nil || !removed {
		return "", false, err
	}
	separator := strings.LastIndex(value, ":")
	if separator < 0 {
		return "", false, nil
	}
	scope, expected := value[:separator], value[separator+1:]
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return "", false, nil
	}
	return scope, true, nil
}

func (t *EphemeralTokens) sign(salt string, scope string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(salt))
	mac.Write([]byte(scope))
	return hex.EncodeToString(mac.Sum(nil))
}
