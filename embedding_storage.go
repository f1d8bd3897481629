package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EmbeddingStorage caches raw engine embeddings keyed by image digest
// and detector backend. A cache miss is not an error. Should be safe to
// use concurrently.
type EmbeddingStorage interface {
	// StoreEmbedding stores the vector for the given key, replacing any
	// existing value.
	StoreEmbedding(key string, vec []float64) error

	// RetrieveEmbedding returns the cached vector and whether it was
	// found. A miss returns (nil, false, nil).
	RetrieveEmbedding(key string) ([]float64, bool, error)

	// RemoveEmbedding drops the cached vector for the given key.
	RemoveEmbedding(key string) error
}

// EmbeddingCacheKey derives the storage key from the engine's image
// reference and the detector backend. The reference already encodes the
// image content for data URIs, so identical uploads hit the same entry.
func EmbeddingCacheKey(imgRef string, detector string) string {
	digest := sha256.Sum256([]byte(imgRef))
	return fmt.Sprintf("%x:%s", digest, detector)
}

// ------------------------------------------------------------------------------

type InMemoryEmbeddingStorage struct {
	vectors map[string][]float64
	mutex   sync.Mutex
}

func NewInMemoryEmbeddingStorage() *InMemoryEmbeddingStorage {
	return &InMemoryEmbeddingStorage{
		vectors: make(map[string][]float64),
	}
}

func (s *InMemoryEmbeddingStorage) StoreEmbedding(key string, vec []float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := make([]float64, len(vec))
	copy(stored, vec)
	s.vectors[key] = stored
	return nil
}

func (s *InMemoryEmbeddingStorage) RetrieveEmbedding(key string) ([]float64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	vec, ok := s.vectors[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	return out, true, nil
}

func (s *InMemoryEmbeddingStorage) RemoveEmbedding(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.vectors[key]; !ok {
		return fmt.Errorf("failed to remove embedding for %s, because it wasn't there", key)
	}
	delete(s.vectors, key)
	return nil
}

// ------------------------------------------------------------------------------

const embeddingTTL = 24 * time.Hour

type RedisEmbeddingStorage struct {
	client    *redis.Client
	namespace string
}

func NewRedisEmbeddingStorage(client *redis.Client, namespace string) *RedisEmbeddingStorage {
	return &RedisEmbeddingStorage{client: client, namespace: namespace}
}

func (s *RedisEmbeddingStorage) createKey(key string) string {
	return fmt.Sprintf("%s:embedding:%s", s.namespace, key)
}

func (s *RedisEmbeddingStorage) StoreEmbedding(key string, vec []float64) error {
	payload, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	ctx := context.Background()
	return s.client.Set(ctx, s.createKey(key), payload, embeddingTTL).Err()
}

func (s *RedisEmbeddingStorage) RetrieveEmbedding(key string) ([]float64, bool, error) {
	ctx := context.Background()
	payload, err := s.client.Get(ctx, s.createKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var vec []float64
	if err := json.Unmarshal(payload, &vec); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return vec, true, nil
}

func (s *RedisEmbeddingStorage) RemoveEmbedding(key string) error {
	ctx := context.Background()
	return s.client.Del(ctx, s.createKey(key)).Err()
}
