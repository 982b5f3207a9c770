package failure

import "errors"

type Severity int

// Fatal errors abort a lifecycle phase; recoverable errors are absorbed
// by a fallback at the boundary that observes them.
const (
	SeverityFatal Severity = iota
	SeverityRecoverable
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

type ClassifiedError interface {
	error
	Severity() Severity
}

// IsFatal reports whether err is fatal. Errors that do not classify
// themselves are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var classified ClassifiedError
	if errors.As(err, &classified) {
		return classified.Severity() == SeverityFatal
	}
	return true
}
