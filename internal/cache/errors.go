package cache

import (
	"context"
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

type CacheErrorCause string

const (
	ErrCauseInvalidName   CacheErrorCause = "invalid bucket name"
	ErrCauseReadFailure   CacheErrorCause = "read failed"
	ErrCauseWriteFailure  CacheErrorCause = "write failed"
	ErrCauseDeleteFailure CacheErrorCause = "delete failed"
	ErrCauseQuotaExceeded CacheErrorCause = "quota exceeded"
	ErrCauseCorruptEntry  CacheErrorCause = "corrupt entry"
	ErrCauseCanceled      CacheErrorCause = "operation canceled"
	ErrCauseBucketDeleted CacheErrorCause = "bucket deleted"
)

type CacheError struct {
	Message   string
	Retryable bool
	Cause     CacheErrorCause
	Bucket    string
}

func (e *CacheError) Error() string {
	if e.Bucket == "" {
		return fmt.Sprintf("cache error: %s: %s", e.Cause, e.Message)
	}
	return fmt.Sprintf("cache error: %s: bucket %q: %s", e.Cause, e.Bucket, e.Message)
}

func (e *CacheError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapCacheErrorToMetadataCause maps cache-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapCacheErrorToMetadataCause(err *CacheError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseReadFailure, ErrCauseWriteFailure, ErrCauseDeleteFailure, ErrCauseQuotaExceeded, ErrCauseBucketDeleted:
		return metadata.CauseStorageFailure
	case ErrCauseCorruptEntry:
		return metadata.CauseContentInvalid
	case ErrCauseInvalidName:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}

func canceled(ctx context.Context, bucket string) failure.ClassifiedError {
	if err := ctx.Err(); err != nil {
		return &CacheError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseCanceled,
			Bucket:    bucket,
		}
	}
	return nil
}

func validateName(name string) failure.ClassifiedError {
	if name == "" {
		return &CacheError{
			Message: "bucket name cannot be empty",
			Cause:   ErrCauseInvalidName,
		}
	}
	return nil
}

// bucketDeleted is returned by writes through a handle whose bucket was
// deleted after Open. Such writes never bring the bucket back.
func bucketDeleted(bucket string) *CacheError {
	return &CacheError{
		Message: "bucket was deleted after it was opened",
		Cause:   ErrCauseBucketDeleted,
		Bucket:  bucket,
	}
}
