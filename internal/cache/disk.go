package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
	"github.com/rohmanhakim/offline-cache/pkg/fileutil"
	"github.com/rohmanhakim/offline-cache/pkg/hashutil"
)

/*
DiskStorage persists buckets under a root directory.

Layout

	<root>/b-<path-escaped bucket name>/<hash of key>.json
	<root>/b-<path-escaped bucket name>/.bucket-id

Output Characteristics
- One directory per bucket, one JSON file per entry
- Deterministic file names (hash of the cache key)
- Writes never leave partial files behind
- Bucket names are listed in sorted order

A bucket handle remembers the .bucket-id written when the directory was
created. Writes through a handle whose id no longer matches fail with
ErrCauseBucketDeleted instead of re-creating the directory.
*/
type DiskStorage struct {
	mu           sync.RWMutex
	root         string
	hashAlgo     hashutil.HashAlgo
	metadataSink metadata.MetadataSink
}

const (
	bucketDirPrefix = "b-"
	entryExt        = ".json"
	stagePattern    = ".stage-*"
	bucketIDFile    = ".bucket-id"
)

type entryDTO struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

func NewDiskStorage(
	root string,
	hashAlgo hashutil.HashAlgo,
	metadataSink metadata.MetadataSink,
) (*DiskStorage, failure.ClassifiedError) {
	if err := fileutil.EnsureDir(root); err != nil {
		return nil, fromFileError(err, "")
	}
	return &DiskStorage{
		root:         root,
		hashAlgo:     hashAlgo,
		metadataSink: metadataSink,
	}, nil
}

func (s *DiskStorage) bucketDir(name string) string {
	return filepath.Join(s.root, bucketDirPrefix+url.PathEscape(name))
}

func (s *DiskStorage) Open(ctx context.Context, name string) (Bucket, failure.ClassifiedError) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := canceled(ctx, name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.bucketDir(name)
	_, statErr := os.Stat(dir)
	created := errors.Is(statErr, os.ErrNotExist)

	id, readErr := readBucketID(dir)
	if readErr != nil {
		if !errors.Is(readErr, os.ErrNotExist) {
			cacheErr := &CacheError{Message: readErr.Error(), Cause: ErrCauseReadFailure, Bucket: name}
			s.recordError("DiskStorage.Open", cacheErr)
			return nil, cacheErr
		}
		// new bucket, or one written before ids existed
		id = uuid.NewString()
		if err := fileutil.EnsureDir(dir); err != nil {
			cacheErr := fromFileError(err, name)
			s.recordError("DiskStorage.Open", cacheErr)
			return nil, cacheErr
		}
		if err := fileutil.WriteFileAtomic(filepath.Join(dir, bucketIDFile), []byte(id)); err != nil {
			cacheErr := fromFileError(err, name)
			s.recordError("DiskStorage.Open", cacheErr)
			return nil, cacheErr
		}
	}
	if created {
		s.metadataSink.RecordArtifact(metadata.ArtifactBucket, dir, []metadata.Attribute{
			metadata.NewAttr(metadata.AttrBucket, name),
		})
	}

	return &DiskBucket{name: name, id: id, dir: dir, storage: s}, nil
}

func readBucketID(dir string) (string, error) {
	content, err := os.ReadFile(filepath.Join(dir, bucketIDFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (s *DiskStorage) Has(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := canceled(ctx, name); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.bucketDir(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &CacheError{Message: err.Error(), Cause: ErrCauseReadFailure, Bucket: name}
	}
	return info.IsDir(), nil
}

func (s *DiskStorage) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := canceled(ctx, ""); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &CacheError{Message: err.Error(), Cause: ErrCauseReadFailure}
	}

	names := []string{}
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() || !strings.HasPrefix(dirEntry.Name(), bucketDirPrefix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimPrefix(dirEntry.Name(), bucketDirPrefix))
		if err != nil {
			// not created by this storage
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *DiskStorage) Delete(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := canceled(ctx, name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := fileutil.RemoveDir(s.bucketDir(name))
	if err != nil {
		cacheErr := &CacheError{Message: err.Error(), Cause: ErrCauseDeleteFailure, Bucket: name}
		s.recordError("DiskStorage.Delete", cacheErr)
		return existed, cacheErr
	}
	return existed, nil
}

func (s *DiskStorage) recordError(action string, err *CacheError) {
	s.metadataSink.RecordError(
		time.Now(),
		"cache",
		action,
		mapCacheErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrBucket, err.Bucket),
		},
	)
}

type DiskBucket struct {
	name    string
	id      string
	dir     string
	storage *DiskStorage
}

func (b *DiskBucket) Name() string {
	return b.name
}

// detached reports whether the bucket this handle was opened on is gone.
// Callers hold b.storage.mu.
func (b *DiskBucket) detached() (bool, *CacheError) {
	id, err := readBucketID(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, &CacheError{Message: err.Error(), Cause: ErrCauseReadFailure, Bucket: b.name}
	}
	return id != b.id, nil
}

func (b *DiskBucket) entryPath(key string) (string, failure.ClassifiedError) {
	hash, err := hashutil.HashKey(key, b.storage.hashAlgo)
	if err != nil {
		return "", &CacheError{Message: err.Error(), Cause: ErrCauseWriteFailure, Bucket: b.name}
	}
	return filepath.Join(b.dir, hash+entryExt), nil
}

func (b *DiskBucket) Match(ctx context.Context, key string) (fetcher.Response, bool, failure.ClassifiedError) {
	if err := canceled(ctx, b.name); err != nil {
		return fetcher.Response{}, false, err
	}
	path, cerr := b.entryPath(key)
	if cerr != nil {
		return fetcher.Response{}, false, cerr
	}

	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	gone, detachErr := b.detached()
	if detachErr != nil {
		return fetcher.Response{}, false, detachErr
	}
	if gone {
		return fetcher.Response{}, false, nil
	}
	dto, found, cerr := b.readEntry(path)
	if cerr != nil || !found {
		return fetcher.Response{}, false, cerr
	}
	// a different key sharing the hash is a miss
	if dto.Key != key {
		return fetcher.Response{}, false, nil
	}

	responseUrl, err := url.Parse(dto.URL)
	if err != nil {
		return fetcher.Response{}, false, &CacheError{Message: err.Error(), Cause: ErrCauseCorruptEntry, Bucket: b.name}
	}
	return fetcher.NewResponse(*responseUrl, dto.Status, dto.Header, dto.Body), true, nil
}

func (b *DiskBucket) readEntry(path string) (entryDTO, bool, failure.ClassifiedError) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entryDTO{}, false, nil
		}
		return entryDTO{}, false, &CacheError{Message: err.Error(), Cause: ErrCauseReadFailure, Bucket: b.name}
	}
	var dto entryDTO
	if err := json.Unmarshal(content, &dto); err != nil {
		return entryDTO{}, false, &CacheError{Message: err.Error(), Cause: ErrCauseCorruptEntry, Bucket: b.name}
	}
	return dto, true, nil
}

func (b *DiskBucket) Put(ctx context.Context, key string, response fetcher.Response) failure.ClassifiedError {
	if err := canceled(ctx, b.name); err != nil {
		return err
	}
	path, cerr := b.entryPath(key)
	if cerr != nil {
		return cerr
	}
	content, err := encodeEntry(key, response)
	if err != nil {
		return &CacheError{Message: err.Error(), Cause: ErrCauseWriteFailure, Bucket: b.name}
	}

	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	gone, detachErr := b.detached()
	if detachErr != nil {
		return b.fail("DiskBucket.Put", detachErr)
	}
	if gone {
		return b.fail("DiskBucket.Put", bucketDeleted(b.name))
	}
	if err := fileutil.WriteFileAtomic(path, content); err != nil {
		return b.fail("DiskBucket.Put", fromFileError(err, b.name))
	}
	b.recordEntry(path, key)
	return nil
}

// PutAll stages every entry into temporary files first and only renames
// them into place once all of them were written. When a rename fails, the
// entries already renamed are put back the way they were.
func (b *DiskBucket) PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError {
	if err := canceled(ctx, b.name); err != nil {
		return err
	}

	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	gone, detachErr := b.detached()
	if detachErr != nil {
		return b.fail("DiskBucket.PutAll", detachErr)
	}
	if gone {
		return b.fail("DiskBucket.PutAll", bucketDeleted(b.name))
	}

	var stagedFiles []stagedEntry
	cleanup := func() {
		for _, s := range stagedFiles {
			os.Remove(s.tmp)
		}
	}

	for _, entry := range entries {
		path, cerr := b.entryPath(entry.Key)
		if cerr != nil {
			cleanup()
			return cerr
		}
		content, err := encodeEntry(entry.Key, entry.Response)
		if err != nil {
			cleanup()
			return &CacheError{Message: err.Error(), Cause: ErrCauseWriteFailure, Bucket: b.name}
		}
		previous, existed, err := readPrevious(path)
		if err != nil {
			cleanup()
			return b.fail("DiskBucket.PutAll", &CacheError{Message: err.Error(), Cause: ErrCauseReadFailure, Bucket: b.name})
		}
		tmp, werr := writeStaged(b.dir, content)
		if werr != nil {
			cleanup()
			return b.fail("DiskBucket.PutAll", fromFileError(werr, b.name))
		}
		stagedFiles = append(stagedFiles, stagedEntry{
			tmp:      tmp,
			path:     path,
			key:      entry.Key,
			previous: previous,
			existed:  existed,
		})
	}

	for i, s := range stagedFiles {
		if err := os.Rename(s.tmp, s.path); err != nil {
			for _, rest := range stagedFiles[i:] {
				os.Remove(rest.tmp)
			}
			for j := i - 1; j >= 0; j-- {
				stagedFiles[j].restore()
			}
			return b.fail("DiskBucket.PutAll", &CacheError{Message: err.Error(), Cause: ErrCauseWriteFailure, Bucket: b.name})
		}
	}
	for _, s := range stagedFiles {
		b.recordEntry(s.path, s.key)
	}
	return nil
}

type stagedEntry struct {
	tmp      string
	path     string
	key      string
	previous []byte
	existed  bool
}

// restore puts back what was at path before the entry was renamed there.
func (s stagedEntry) restore() {
	if s.existed {
		_ = fileutil.WriteFileAtomic(s.path, s.previous)
		return
	}
	os.Remove(s.path)
}

// readPrevious returns the regular file currently at path, if any.
// Anything else at path is left for the rename to reject.
func readPrevious(path string) ([]byte, bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !info.Mode().IsRegular() {
		return nil, false, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func (b *DiskBucket) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := canceled(ctx, b.name); err != nil {
		return nil, err
	}

	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	gone, detachErr := b.detached()
	if detachErr != nil {
		return nil, detachErr
	}
	if gone {
		return []string{}, nil
	}
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &CacheError{Message: err.Error(), Cause: ErrCauseReadFailure, Bucket: b.name}
	}

	keys := []string{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != entryExt {
			continue
		}
		dto, found, cerr := b.readEntry(filepath.Join(b.dir, dirEntry.Name()))
		if cerr != nil {
			return nil, cerr
		}
		if found {
			keys = append(keys, dto.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *DiskBucket) fail(action string, err *CacheError) *CacheError {
	b.storage.recordError(action, err)
	return err
}

func (b *DiskBucket) recordEntry(path string, key string) {
	b.storage.metadataSink.RecordArtifact(metadata.ArtifactEntry, path, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrBucket, b.name),
		metadata.NewAttr(metadata.AttrURL, key),
		metadata.NewAttr(metadata.AttrWritePath, path),
	})
}

func encodeEntry(key string, response fetcher.Response) ([]byte, error) {
	responseUrl := response.URL()
	return json.Marshal(entryDTO{
		Key:      key,
		URL:      responseUrl.String(),
		Status:   response.StatusCode(),
		Header:   response.Header(),
		Body:     response.Body(),
		StoredAt: time.Now().UTC(),
	})
}

func writeStaged(dir string, content []byte) (string, failure.ClassifiedError) {
	tmp, err := os.CreateTemp(dir, stagePattern)
	if err != nil {
		return "", &fileutil.FileError{Message: err.Error(), Cause: fileutil.ErrCauseWriteFailure, Path: dir}
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", &fileutil.FileError{Message: err.Error(), Cause: fileutil.ErrCauseWriteFailure, Path: name}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", &fileutil.FileError{Message: err.Error(), Cause: fileutil.ErrCauseWriteFailure, Path: name}
	}
	return name, nil
}

func fromFileError(err failure.ClassifiedError, bucket string) *CacheError {
	var fileErr *fileutil.FileError
	if errors.As(err, &fileErr) && fileErr.Cause == fileutil.ErrCauseDiskFull {
		return &CacheError{Message: err.Error(), Retryable: true, Cause: ErrCauseQuotaExceeded, Bucket: bucket}
	}
	return &CacheError{Message: err.Error(), Cause: ErrCauseWriteFailure, Bucket: bucket}
}
