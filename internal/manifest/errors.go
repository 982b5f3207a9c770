package manifest

import (
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
)

type ManifestErrorCause string

const (
	ErrCauseNotHTML ManifestErrorCause = "not an html document"
)

type ManifestError struct {
	Message   string
	Retryable bool
	Cause     ManifestErrorCause
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error: %s: %s", e.Cause, e.Message)
}

func (e *ManifestError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapManifestErrorToMetadataCause maps manifest-local error semantics
// to the canonical metadata.ErrorCause table.
func mapManifestErrorToMetadataCause(err *ManifestError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseNotHTML:
		return metadata.CauseContentInvalid
	default:
		return metadata.CauseUnknown
	}
}
