package controller_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/cache"
	"github.com/rohmanhakim/offline-cache/internal/config"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://www.example.org"

// fetcherMock is a testify mock for the Fetcher
type fetcherMock struct {
	mock.Mock
}

func (f *fetcherMock) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, failure.ClassifiedError) {
	args := f.Called(ctx, request)
	result := args.Get(0).(fetcher.Response)
	var err failure.ClassifiedError
	if args.Get(1) != nil {
		err = args.Get(1).(failure.ClassifiedError)
	}
	return result, err
}

func forPath(path string) interface{} {
	return mock.MatchedBy(func(r fetcher.Request) bool {
		u := r.URL()
		return u.Path == path
	})
}

func (f *fetcherMock) onPathOK(t *testing.T, path string, body string) *mock.Call {
	t.Helper()
	return f.On("Fetch", mock.Anything, forPath(path)).Return(okResponse(t, path, body), nil)
}

func (f *fetcherMock) onPathStatus(t *testing.T, path string, status int) *mock.Call {
	t.Helper()
	return f.On("Fetch", mock.Anything, forPath(path)).
		Return(fetcher.NewResponse(mustURL(t, testOrigin+path), status, http.Header{}, nil), nil)
}

func (f *fetcherMock) onPathOffline(path string) *mock.Call {
	return f.On("Fetch", mock.Anything, forPath(path)).Return(fetcher.Response{}, networkError())
}

func (f *fetcherMock) fetchCount(path string) int {
	count := 0
	for _, call := range f.Calls {
		if request, ok := call.Arguments.Get(1).(fetcher.Request); ok {
			u := request.URL()
			if u.Path == path {
				count++
			}
		}
	}
	return count
}

func networkError() failure.ClassifiedError {
	return &fetcher.FetchError{
		Message:   "dial tcp: connection refused",
		Retryable: true,
		Cause:     fetcher.ErrCauseNetworkFailure,
	}
}

// hostMock is a testify mock for the controller Host
type hostMock struct {
	mock.Mock
}

func (h *hostMock) SkipWaiting(version string) {
	h.Called(version)
}

func (h *hostMock) Claim(ctx context.Context, version string) error {
	args := h.Called(ctx, version)
	return args.Error(0)
}

func newHostMock() *hostMock {
	h := new(hostMock)
	h.On("SkipWaiting", mock.Anything).Return()
	h.On("Claim", mock.Anything, mock.Anything).Return(nil)
	return h
}

// lifecycleSink records lifecycle and serve events; safe for concurrent use.
type lifecycleSink struct {
	metadata.NoopSink
	mu        sync.Mutex
	lifecycle []lifecycleEvent
	served    []metadata.ServeSource
	errors    []metadata.ErrorCause
}

type lifecycleEvent struct {
	phase  metadata.LifecyclePhase
	failed bool
}

func (s *lifecycleSink) RecordLifecycle(phase metadata.LifecyclePhase, version string, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = append(s.lifecycle, lifecycleEvent{phase: phase, failed: err != nil})
}

func (s *lifecycleSink) RecordServe(requestUrl string, source metadata.ServeSource, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served = append(s.served, source)
}

func (s *lifecycleSink) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause metadata.ErrorCause,
	details string,
	attrs []metadata.Attribute,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, cause)
}

func (s *lifecycleSink) errorCount(cause metadata.ErrorCause) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.errors {
		if c == cause {
			count++
		}
	}
	return count
}

func (s *lifecycleSink) servedSources() []metadata.ServeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metadata.ServeSource, len(s.served))
	copy(out, s.served)
	return out
}

// failingStorage wraps a MemoryStorage and fails selected operations.
type failingStorage struct {
	*cache.MemoryStorage
	failOpen   bool
	failDelete map[string]bool
}

func (s *failingStorage) Open(ctx context.Context, name string) (cache.Bucket, failure.ClassifiedError) {
	if s.failOpen {
		return nil, &cache.CacheError{Message: "disk is full", Retryable: true, Cause: cache.ErrCauseQuotaExceeded, Bucket: name}
	}
	return s.MemoryStorage.Open(ctx, name)
}

func (s *failingStorage) Delete(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if s.failDelete[name] {
		return false, &cache.CacheError{Message: "permission denied", Cause: cache.ErrCauseDeleteFailure, Bucket: name}
	}
	return s.MemoryStorage.Delete(ctx, name)
}

func mustURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return *u
}

func okResponse(t *testing.T, path string, body string) fetcher.Response {
	t.Helper()
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return fetcher.NewResponse(mustURL(t, testOrigin+path), http.StatusOK, header, []byte(body))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.WithDefault(mustURL(t, testOrigin)).Build()
	require.NoError(t, err)
	return cfg
}

func testConfigVersion(t *testing.T, version string) config.Config {
	t.Helper()
	cfg, err := config.WithDefault(mustURL(t, testOrigin)).WithVersion(version).Build()
	require.NoError(t, err)
	return cfg
}

// onAllAssetsOK stubs every default asset with a 200 response.
func onAllAssetsOK(t *testing.T, f *fetcherMock) {
	t.Helper()
	for _, path := range []string{
		"/home/resources/dologomasterwhiteretina.png",
		"/home/resources/oxford-radcliffe-camera-w1200h675.jpg",
		"/css/site.min.css",
		"/js/site.min.js",
		"/offline.html",
	} {
		f.onPathOK(t, path, "content of "+path)
	}
}

func waitTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// onAllAssetsOKExcept stubs every default asset except skip with a 200 response.
func onAllAssetsOKExcept(t *testing.T, f *fetcherMock, skip string) {
	t.Helper()
	for _, path := range []string{
		"/home/resources/dologomasterwhiteretina.png",
		"/home/resources/oxford-radcliffe-camera-w1200h675.jpg",
		"/css/site.min.css",
		"/js/site.min.js",
		"/offline.html",
	} {
		if path != skip {
			f.onPathOK(t, path, "content of "+path)
		}
	}
}
