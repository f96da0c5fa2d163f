package meta

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a typed view over a KV, encoding records as JSON.
// A record that fails to decode surfaces ErrCorrupt instead of reading
// as a miss.
type Store[T any] struct {
	kv KV
}

// NewStore wraps a KV with a typed JSON codec.
func NewStore[T any](kv KV) *Store[T] {
	return &Store[T]{kv: kv}
}

func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var record T
	if err := json.Unmarshal(raw, &record); err != nil {
		return zero, false, fmt.Errorf("decode %s: %v: %w", key, err, ErrCorrupt)
	}
	return record, true, nil
}

func (s *Store[T]) Put(ctx context.Context, key string, record T) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, raw)
}

func (s *Store[T]) PutIfAbsent(ctx context.Context, key string, record T) (bool, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.PutIfAbsent(ctx, key, raw)
}

func (s *Store[T]) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

func (s *Store[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.kv.Keys(ctx, prefix)
}

func (s *Store[T]) Count(ctx context.Context, prefix string) (int, error) {
	return s.kv.Count(ctx, prefix)
}
