package cache

import (
	"context"

	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

// Storage defines the port interface for the set of named cache buckets
// owned by one controller. It follows the port-adapter pattern so the
// memory, disk and sqlite adapters can be swapped without touching the
// controller.
//
// Storage is the only place buckets live; no other component reads or
// writes them.
type Storage interface {
	// Open returns the bucket with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, failure.ClassifiedError)

	// Has reports whether a bucket with the given name exists.
	Has(ctx context.Context, name string) (bool, failure.ClassifiedError)

	// Keys lists the names of all existing buckets.
	Keys(ctx context.Context) ([]string, failure.ClassifiedError)

	// Delete removes the named bucket and all its entries. It reports
	// whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, failure.ClassifiedError)
}

// Bucket is one named store of request key → response entries.
// Keys are produced by urlutil.CacheKey; lookups are exact matches.
type Bucket interface {
	Name() string

	// Match returns the stored response for key, or false when absent.
	// It is read-only.
	Match(ctx context.Context, key string) (fetcher.Response, bool, failure.ClassifiedError)

	// Put stores one entry, overwriting any previous entry for the key.
	Put(ctx context.Context, key string, response fetcher.Response) failure.ClassifiedError

	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError

	// Keys lists the keys stored in the bucket.
	Keys(ctx context.Context) ([]string, failure.ClassifiedError)
}

type Entry struct {
	Key      string
	Response fetcher.Response
}
