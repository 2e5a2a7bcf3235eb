// Package kv is the expiring key-value store behind queues, execution state and results.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

// ErrNotFound is returned for missing or expired keys
var ErrNotFound = errors.New("kv: key not found")

// UpdateFunc receives the current value (nil when absent) and returns the value to store
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is a generic expiring key-value store
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// Update performs an atomic read-modify-write of one key
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// GetJSON loads key into v. Missing keys return ErrNotFound.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &domain.StorageError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

// SetJSON stores v as JSON under key
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &domain.StorageError{Op: "encode", Key: key, Err: err}
	}
	return s.Set(ctx, key, data, ttl)
}

// Key joins a namespace and an identifier
func Key(namespace, id string) string {
	return fmt.Sprintf("%s:%s", namespace, id)
}
