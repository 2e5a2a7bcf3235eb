package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/redis"
)

// RedisStore is the production Store, backed by pkg/redis
type RedisStore struct {
	svc    redis.RedisServiceInterface
	prefix string
}

// NewRedisStore namespaces every key under prefix (may be empty)
func NewRedisStore(svc redis.RedisServiceInterface, prefix string) *RedisStore {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{svc: svc, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.svc.GetValue(ctx, s.prefix+key)
	if errors.Is(err, redis.ErrKeyNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	return []byte(val), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.svc.SetValue(ctx, s.prefix+key, string(value), ttl); err != nil {
		return &domain.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.svc.DelValue(ctx, s.prefix+key); err != nil {
		return &domain.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.svc.ScanKeys(ctx, s.prefix+prefix+"*")
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: prefix, Err: err}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	err := s.svc.Update(ctx, s.prefix+key, ttl, func(current []byte, exists bool) ([]byte, error) {
		return fn(current, exists)
	})
	if err == nil {
		return nil
	}
	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return &domain.StorageError{Op: "update", Key: key, Err: err}
}
