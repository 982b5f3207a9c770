package controller

import (
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

type ControllerErrorCause string

const (
	ErrCauseInvalidTransition   ControllerErrorCause = "invalid lifecycle transition"
	ErrCauseNotControlling      ControllerErrorCause = "not controlling"
	ErrCauseRequiredAssetFailed ControllerErrorCause = "required asset failed"
	ErrCauseStaleBucketCleanup  ControllerErrorCause = "stale bucket cleanup failed"
	ErrCauseClaimFailed         ControllerErrorCause = "claim failed"
	ErrCauseFallbackMissing     ControllerErrorCause = "offline fallback missing"
)

type ControllerError struct {
	Message   string
	Retryable bool
	Cause     ControllerErrorCause
	Version   string
	Err       error
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller error: %s: version %s: %s", e.Cause, e.Version, e.Message)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

func (e *ControllerError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapControllerErrorToMetadataCause maps controller-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only.
func mapControllerErrorToMetadataCause(err *ControllerError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseRequiredAssetFailed:
		return metadata.CauseContentInvalid
	case ErrCauseStaleBucketCleanup:
		return metadata.CauseStorageFailure
	case ErrCauseInvalidTransition, ErrCauseNotControlling, ErrCauseFallbackMissing:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
