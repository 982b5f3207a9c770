package fetcher

import (
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

type FetchErrorCause string

const (
	ErrCauseNetworkFailure        FetchErrorCause = "network issues"
	ErrCauseCanceled              FetchErrorCause = "request canceled"
	ErrCauseReadResponseBodyError FetchErrorCause = "failed to read response body"
	ErrCauseInvalidRequest        FetchErrorCause = "invalid request"
)

type FetchError struct {
	Message   string
	Retryable bool
	Cause     FetchErrorCause
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetcher error: %s: %s", e.Cause, e.Message)
}

// Severity reports recoverable for transport failures: the fetch policy
// answers them with the offline fallback.
func (e *FetchError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *FetchError) IsRetryable() bool {
	return e.Retryable
}

// mapFetchErrorToMetadataCause maps fetcher-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapFetchErrorToMetadataCause(err *FetchError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseNetworkFailure, ErrCauseCanceled, ErrCauseReadResponseBodyError:
		return metadata.CauseNetworkFailure
	case ErrCauseInvalidRequest:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
