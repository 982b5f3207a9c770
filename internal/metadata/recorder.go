package metadata

import (
	"time"

	"github.com/sirupsen/logrus"
)

/*
Metadata Collected

- Network fetch status codes and durations
- Where each fetch event response came from (cache, network, fallback)
- Lifecycle phase outcomes per controller version
- Cache artifacts written

Metadata is write-only.
No component may read metadata to influence install, activate, or fetch
decisions.
*/

/*
Recorder captures structured cache events as logrus entries and,
when metrics are attached, prometheus samples.

It must not:
- perform I/O decisions
- affect control flow
*/
type Recorder struct {
	workerId string
	logger   *logrus.Logger
	metrics  *Metrics
}

func NewRecorder(workerId string, logger *logrus.Logger) Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return Recorder{
		workerId: workerId,
		logger:   logger,
	}
}

// WithMetrics returns a copy of the recorder that also feeds m.
func (r Recorder) WithMetrics(m *Metrics) Recorder {
	r.metrics = m
	return r
}

func (r *Recorder) entry() *logrus.Entry {
	return r.logger.WithField("worker", r.workerId)
}

func (r *Recorder) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	errorString string,
	attrs []Attribute,
) {
	fields := logrus.Fields{
		"package":     packageName,
		"action":      action,
		"cause":       cause.String(),
		"observed_at": observedAt.UTC().Format(time.RFC3339Nano),
	}
	addAttrs(fields, attrs)
	r.entry().WithFields(fields).Error(errorString)

	if r.metrics != nil {
		r.metrics.errors.WithLabelValues(packageName, cause.String()).Inc()
	}
}

func (r *Recorder) RecordFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	contentType string,
) {
	r.entry().WithFields(logrus.Fields{
		"url":          fetchUrl,
		"http_status":  httpStatus,
		"duration_ms":  duration.Milliseconds(),
		"content_type": contentType,
	}).Debug("network fetch")

	if r.metrics != nil {
		r.metrics.fetches.WithLabelValues(statusClass(httpStatus)).Inc()
		r.metrics.fetchTime.Observe(duration.Seconds())
	}
}

func (r *Recorder) RecordServe(
	requestUrl string,
	source ServeSource,
	duration time.Duration,
) {
	r.entry().WithFields(logrus.Fields{
		"url":         requestUrl,
		"source":      string(source),
		"duration_ms": duration.Milliseconds(),
	}).Debug("fetch event served")

	if r.metrics != nil {
		r.metrics.served.WithLabelValues(string(source)).Inc()
	}
}

func (r *Recorder) RecordLifecycle(
	phase LifecyclePhase,
	version string,
	duration time.Duration,
	err error,
) {
	entry := r.entry().WithFields(logrus.Fields{
		"phase":       string(phase),
		"version":     version,
		"duration_ms": duration.Milliseconds(),
	})
	result := "success"
	if err != nil {
		result = "failure"
		entry.WithError(err).Warn("lifecycle phase failed")
	} else {
		entry.Info("lifecycle phase completed")
	}

	if r.metrics != nil {
		r.metrics.lifecycle.WithLabelValues(string(phase), result).Inc()
	}
}

func (r *Recorder) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {
	fields := logrus.Fields{
		"kind": string(kind),
		"path": path,
	}
	addAttrs(fields, attrs)
	r.entry().WithFields(fields).Debug("artifact written")

	if r.metrics != nil {
		r.metrics.artifacts.WithLabelValues(string(kind)).Inc()
	}
}

func addAttrs(fields logrus.Fields, attrs []Attribute) {
	for _, attr := range attrs {
		fields[string(attr.Key)] = attr.Value
	}
}

type MetadataSink interface {
	RecordError(
		observedAt time.Time,
		packageName string,
		action string,
		cause ErrorCause,
		details string,
		attrs []Attribute,
	)
	RecordFetch(
		fetchUrl string,
		httpStatus int,
		duration time.Duration,
		contentType string,
	)
	RecordServe(
		requestUrl string,
		source ServeSource,
		duration time.Duration,
	)
	RecordLifecycle(
		phase LifecyclePhase,
		version string,
		duration time.Duration,
		err error,
	)
	RecordArtifact(kind ArtifactKind, path string, attrs []Attribute)
}

// NoopSink, struct that implements metadata.MetadataSink but does nothing.
// Callers (or tests) decide whether to inject Recorder or NoopSink.
type NoopSink struct{}

func (n *NoopSink) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	errorString string,
	attrs []Attribute,
) {
}

func (n *NoopSink) RecordFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	contentType string,
) {
}

func (n *NoopSink) RecordServe(requestUrl string, source ServeSource, duration time.Duration) {}

func (n *NoopSink) RecordLifecycle(phase LifecyclePhase, version string, duration time.Duration, err error) {
}

func (n *NoopSink) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {}
