package cache

import (
	"context"
	"sync"

	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// It uses maps for storage and provides thread-safe operations via RWMutex.
//
// Buckets live only as long as the process. Bucket names are listed in
// creation order.
type MemoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*MemoryBucket
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		buckets: make(map[string]*MemoryBucket),
	}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Bucket, failure.ClassifiedError) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := canceled(ctx, name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.buckets[name]; ok {
		return bucket, nil
	}
	bucket := newMemoryBucket(name)
	s.buckets[name] = bucket
	s.order = append(s.order, name)
	return bucket, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := canceled(ctx, name); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStorage) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := canceled(ctx, ""); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names, nil
}

// Delete removes the bucket from storage. Handles already returned by
// Open see an empty bucket and refuse writes.
func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := canceled(ctx, name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	bucket.detach()
	delete(s.buckets, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Size returns the number of buckets.
// This method is primarily useful for testing and diagnostics.
func (s *MemoryStorage) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.buckets)
}

type MemoryBucket struct {
	name    string
	mu      sync.RWMutex
	order   []string
	data    map[string]fetcher.Response
	deleted bool
}

func newMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name: name,
		data: make(map[string]fetcher.Response),
	}
}

func (b *MemoryBucket) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
	b.order = nil
	b.data = make(map[string]fetcher.Response)
}

func (b *MemoryBucket) Name() string {
	return b.name
}

func (b *MemoryBucket) Match(ctx context.Context, key string) (fetcher.Response, bool, failure.ClassifiedError) {
	if err := canceled(ctx, b.name); err != nil {
		return fetcher.Response{}, false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	response, ok := b.data[key]
	return response, ok, nil
}

func (b *MemoryBucket) Put(ctx context.Context, key string, response fetcher.Response) failure.ClassifiedError {
	return b.PutAll(ctx, []Entry{{Key: key, Response: response}})
}

func (b *MemoryBucket) PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError {
	if err := canceled(ctx, b.name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleted {
		return bucketDeleted(b.name)
	}
	for _, entry := range entries {
		if _, exists := b.data[entry.Key]; !exists {
			b.order = append(b.order, entry.Key)
		}
		b.data[entry.Key] = entry.Response
	}
	return nil
}

func (b *MemoryBucket) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := canceled(ctx, b.name); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, len(b.order))
	copy(keys, b.order)
	return keys, nil
}

// Size returns the number of entries in the bucket.
func (b *MemoryBucket) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.data)
}
