package host

import (
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

type HostErrorCause string

const (
	ErrCauseUnknownVersion   HostErrorCause = "unknown controller version"
	ErrCauseInstallFailed    HostErrorCause = "install failed"
	ErrCauseNothingWaiting   HostErrorCause = "no controller waiting"
	ErrCauseDuplicateVersion HostErrorCause = "version already registered"
)

type HostError struct {
	Message   string
	Retryable bool
	Cause     HostErrorCause
	Version   string
	Err       error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host error: %s: version %s: %s", e.Cause, e.Version, e.Message)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

func (e *HostError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func mapHostErrorToMetadataCause(err *HostError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseInstallFailed:
		return metadata.CauseContentInvalid
	case ErrCauseUnknownVersion, ErrCauseNothingWaiting, ErrCauseDuplicateVersion:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
