package controller_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/cache"
	"github.com/rohmanhakim/offline-cache/internal/controller"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
	"github.com/rohmanhakim/offline-cache/pkg/hashutil"
	"github.com/rohmanhakim/offline-cache/pkg/urlutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// activatedController installs and activates a controller over storage.
func activatedController(
	t *testing.T,
	storage cache.Storage,
	f *fetcherMock,
	sink metadata.MetadataSink,
) *controller.Controller {
	t.Helper()
	ctx := waitTimeout(t)
	c := controller.NewController(testConfig(t), storage, f, newHostMock(), sink)
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	_, err = c.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, controller.StateActivated, c.State())
	return c
}

func TestInstall_StoresEveryRequiredAsset(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	host := newHostMock()

	c := controller.NewController(testConfig(t), storage, f, host, &metadata.NoopSink{})
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, controller.StateInstalled, c.State())

	bucket, cerr := storage.Open(ctx, "V1.4-staticfiles")
	require.Nil(t, cerr)
	for _, u := range testConfig(t).RequiredURLs() {
		resp, found, cerr := bucket.Match(ctx, urlutil.CacheKey(u))
		require.Nil(t, cerr)
		assert.True(t, found, "required asset %s missing", u.String())
		assert.Equal(t, "content of "+u.Path, string(resp.Body()))
	}
	for _, u := range testConfig(t).BestEffortURLs() {
		_, found, cerr := bucket.Match(ctx, urlutil.CacheKey(u))
		require.Nil(t, cerr)
		assert.True(t, found, "best-effort asset %s missing", u.String())
	}

	host.AssertCalled(t, "SkipWaiting", "V1.4")
}

func TestInstall_RequiredFailureFailsInstall(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	f := new(fetcherMock)
	f.onPathOK(t, "/home/resources/dologomasterwhiteretina.png", "png")
	f.onPathOK(t, "/home/resources/oxford-radcliffe-camera-w1200h675.jpg", "jpg")
	f.onPathOK(t, "/css/site.min.css", "css")
	f.onPathOffline("/js/site.min.js")
	f.onPathOK(t, "/offline.html", "offline")
	sink := &lifecycleSink{}

	c := controller.NewController(testConfig(t), storage, f, newHostMock(), sink)
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.Error(t, err)

	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseRequiredAssetFailed, controllerErr.Cause)
	assert.Equal(t, failure.SeverityFatal, controllerErr.Severity())
	var fetchErr *fetcher.FetchError
	assert.True(t, errors.As(err, &fetchErr), "fetch failure should be wrapped")
	assert.Equal(t, controller.StateRedundant, c.State())

	// the required batch is all-or-nothing
	bucket, cerr := storage.Open(ctx, "V1.4-staticfiles")
	require.Nil(t, cerr)
	for _, u := range testConfig(t).RequiredURLs() {
		_, found, cerr := bucket.Match(ctx, urlutil.CacheKey(u))
		require.Nil(t, cerr)
		assert.False(t, found, "required asset %s must not be stored", u.String())
	}

	require.NotEmpty(t, sink.lifecycle)
	assert.Equal(t, metadata.PhaseInstall, sink.lifecycle[len(sink.lifecycle)-1].phase)
	assert.True(t, sink.lifecycle[len(sink.lifecycle)-1].failed)
}

func TestInstall_NonOKRequiredStatusFailsInstall(t *testing.T) {
	ctx := waitTimeout(t)
	f := new(fetcherMock)
	onAllAssetsOKExcept(t, f, "/offline.html")
	f.onPathStatus(t, "/offline.html", http.StatusNotFound)

	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), f, newHostMock(), &metadata.NoopSink{})
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestInstall_BestEffortFailureDoesNotFailInstall(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	f := new(fetcherMock)
	f.onPathOffline("/home/resources/dologomasterwhiteretina.png")
	f.onPathStatus(t, "/home/resources/oxford-radcliffe-camera-w1200h675.jpg", http.StatusInternalServerError)
	f.onPathOK(t, "/css/site.min.css", "css")
	f.onPathOK(t, "/js/site.min.js", "js")
	f.onPathOK(t, "/offline.html", "offline")
	sink := &lifecycleSink{}

	c := controller.NewController(testConfig(t), storage, f, newHostMock(), sink)
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, controller.StateInstalled, c.State())

	bucket, cerr := storage.Open(ctx, "V1.4-staticfiles")
	require.Nil(t, cerr)
	keys, cerr := bucket.Keys(ctx)
	require.Nil(t, cerr)
	assert.Len(t, keys, 3)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.errors, metadata.CauseNetworkFailure)
	assert.Contains(t, sink.errors, metadata.CauseContentInvalid)
}

func TestInstall_RequiredFailureDoesNotWaitForBestEffort(t *testing.T) {
	ctx := waitTimeout(t)
	release := make(chan time.Time)
	f := new(fetcherMock)
	f.onPathOK(t, "/home/resources/dologomasterwhiteretina.png", "png").WaitUntil(release)
	f.onPathOK(t, "/home/resources/oxford-radcliffe-camera-w1200h675.jpg", "jpg").WaitUntil(release)
	f.onPathOffline("/css/site.min.css")
	f.onPathOK(t, "/js/site.min.js", "js")
	f.onPathOK(t, "/offline.html", "offline")
	defer close(release)

	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), f, newHostMock(), &metadata.NoopSink{})
	result := c.OnInstall(ctx, controller.InstallEvent{})

	select {
	case <-result.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("install did not settle while best-effort fetches were still pending")
	}
	_, err := result.Wait(ctx)
	assert.Error(t, err)
}

func TestInstall_WaitsForBestEffortOnSuccess(t *testing.T) {
	ctx := waitTimeout(t)
	release := make(chan time.Time)
	f := new(fetcherMock)
	f.onPathOK(t, "/home/resources/dologomasterwhiteretina.png", "png").WaitUntil(release)
	f.onPathOK(t, "/home/resources/oxford-radcliffe-camera-w1200h675.jpg", "jpg")
	f.onPathOK(t, "/css/site.min.css", "css")
	f.onPathOK(t, "/js/site.min.js", "js")
	f.onPathOK(t, "/offline.html", "offline")

	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), f, newHostMock(), &metadata.NoopSink{})
	result := c.OnInstall(ctx, controller.InstallEvent{})

	select {
	case <-result.Done():
		t.Fatal("install settled before the best-effort batch")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	_, err := result.Wait(ctx)
	require.NoError(t, err)
}

func TestInstall_BucketOpenFailureIsSwallowed(t *testing.T) {
	ctx := waitTimeout(t)
	storage := &failingStorage{MemoryStorage: cache.NewMemoryStorage(), failOpen: true}
	f := new(fetcherMock)
	sink := &lifecycleSink{}

	c := controller.NewController(testConfig(t), storage, f, newHostMock(), sink)
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, controller.StateInstalled, c.State())

	f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.errors, metadata.CauseStorageFailure)
}

func TestInstall_RejectedOutsideParsedState(t *testing.T) {
	ctx := waitTimeout(t)
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), f, newHostMock(), &metadata.NoopSink{})

	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)

	_, err = c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.Error(t, err)
	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseInvalidTransition, controllerErr.Cause)
	assert.Equal(t, controller.StateInstalled, c.State())
}

func TestActivate_RejectedBeforeInstall(t *testing.T) {
	ctx := waitTimeout(t)
	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), new(fetcherMock), newHostMock(), &metadata.NoopSink{})

	_, err := c.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)
	require.Error(t, err)
	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseInvalidTransition, controllerErr.Cause)
	assert.Equal(t, controller.StateParsed, c.State())
}

func TestActivate_DeletesStaleBucketsAndClaims(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"V1.2-staticfiles", "V1.3-staticfiles", "unrelated"} {
		_, cerr := storage.Open(ctx, name)
		require.Nil(t, cerr)
	}
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	host := newHostMock()

	c := controller.NewController(testConfig(t), storage, f, host, &metadata.NoopSink{})
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	_, err = c.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)
	require.NoError(t, err)

	names, cerr := storage.Keys(ctx)
	require.Nil(t, cerr)
	assert.Equal(t, []string{"V1.4-staticfiles"}, names)
	assert.Equal(t, controller.StateActivated, c.State())
	host.AssertCalled(t, "Claim", mock.Anything, "V1.4")
}

func TestActivate_CleanupFailureSkipsClaim(t *testing.T) {
	ctx := waitTimeout(t)
	storage := &failingStorage{
		MemoryStorage: cache.NewMemoryStorage(),
		failDelete:    map[string]bool{"V1.2-staticfiles": true},
	}
	for _, name := range []string{"V1.2-staticfiles", "V1.3-staticfiles"} {
		_, cerr := storage.Open(ctx, name)
		require.Nil(t, cerr)
	}
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	host := newHostMock()

	c := controller.NewController(testConfig(t), storage, f, host, &metadata.NoopSink{})
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	_, err = c.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)
	require.Error(t, err)

	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseStaleBucketCleanup, controllerErr.Cause)
	host.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
	assert.Equal(t, controller.StateActivated, c.State())

	// the other deletion still settled
	has, cerr := storage.Has(ctx, "V1.3-staticfiles")
	require.Nil(t, cerr)
	assert.False(t, has)
}

func TestActivate_ClaimFailure(t *testing.T) {
	ctx := waitTimeout(t)
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	host := new(hostMock)
	host.On("SkipWaiting", mock.Anything).Return()
	host.On("Claim", mock.Anything, mock.Anything).Return(errors.New("host gone"))

	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), f, host, &metadata.NoopSink{})
	_, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	_, err = c.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)

	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseClaimFailed, controllerErr.Cause)
}

func TestFetch_RejectedBeforeActivation(t *testing.T) {
	ctx := waitTimeout(t)
	c := controller.NewController(testConfig(t), cache.NewMemoryStorage(), new(fetcherMock), newHostMock(), &metadata.NoopSink{})

	_, err := c.OnFetch(ctx, controller.FetchEvent{
		Request: fetcher.NewGetRequest(mustURL(t, testOrigin+"/")),
	}).Wait(ctx)
	require.Error(t, err)
	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseNotControlling, controllerErr.Cause)
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	ctx := waitTimeout(t)
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	sink := &lifecycleSink{}
	c := activatedController(t, cache.NewMemoryStorage(), f, sink)
	before := f.fetchCount("/css/site.min.css")

	// fragment and default port do not change the cache key
	resp, err := c.OnFetch(ctx, controller.FetchEvent{
		Request: fetcher.NewGetRequest(mustURL(t, "https://WWW.example.org:443/css/site.min.css#top")),
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "content of /css/site.min.css", string(resp.Body()))
	assert.Equal(t, before, f.fetchCount("/css/site.min.css"), "network must not be invoked on a hit")
	assert.Equal(t, []metadata.ServeSource{metadata.SourceCache}, sink.servedSources())
}

func TestFetch_MissWithNetworkFailureServesFallback(t *testing.T) {
	ctx := waitTimeout(t)
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	f.onPathOffline("/about/")
	sink := &lifecycleSink{}
	c := activatedController(t, cache.NewMemoryStorage(), f, sink)

	resp, err := c.OnFetch(ctx, controller.FetchEvent{
		Request: fetcher.NewGetRequest(mustURL(t, testOrigin+"/about/")),
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "content of /offline.html", string(resp.Body()))
	assert.Equal(t, []metadata.ServeSource{metadata.SourceFallback}, sink.servedSources())
}

func TestFetch_MissWithNetworkSuccessDoesNotWriteBack(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	f.onPathStatus(t, "/missing", http.StatusNotFound)
	c := activatedController(t, storage, f, &metadata.NoopSink{})

	bucket, cerr := storage.Open(ctx, "V1.4-staticfiles")
	require.Nil(t, cerr)
	keysBefore, cerr := bucket.Keys(ctx)
	require.Nil(t, cerr)

	resp, err := c.OnFetch(ctx, controller.FetchEvent{
		Request: fetcher.NewGetRequest(mustURL(t, testOrigin+"/missing")),
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode(), "any status is passed through")

	keysAfter, cerr := bucket.Keys(ctx)
	require.Nil(t, cerr)
	assert.Equal(t, keysBefore, keysAfter)
}

func TestFetch_NonGetBypassesCache(t *testing.T) {
	ctx := waitTimeout(t)
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	c := activatedController(t, cache.NewMemoryStorage(), f, &metadata.NoopSink{})
	before := f.fetchCount("/css/site.min.css")

	_, err := c.OnFetch(ctx, controller.FetchEvent{
		Request: fetcher.NewRequest(http.MethodPost, mustURL(t, testOrigin+"/css/site.min.css"), nil),
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, f.fetchCount("/css/site.min.css"))
}

func TestFetch_FallbackMissingFails(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	f.onPathOffline("/about/")
	c := activatedController(t, storage, f, &metadata.NoopSink{})

	// simulate eviction by the environment
	_, cerr := storage.Delete(ctx, "V1.4-staticfiles")
	require.Nil(t, cerr)

	_, err := c.OnFetch(ctx, controller.FetchEvent{
		Request: fetcher.NewGetRequest(mustURL(t, testOrigin+"/about/")),
	}).Wait(ctx)
	require.Error(t, err)
	var controllerErr *controller.ControllerError
	require.True(t, errors.As(err, &controllerErr))
	assert.Equal(t, controller.ErrCauseFallbackMissing, controllerErr.Cause)
}

func TestUpgrade_NewVersionReplacesOldBucket(t *testing.T) {
	ctx := waitTimeout(t)
	storage := cache.NewMemoryStorage()
	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	activatedController(t, storage, f, &metadata.NoopSink{})

	next := controller.NewController(testConfigVersion(t, "V1.5"), storage, f, newHostMock(), &metadata.NoopSink{})
	_, err := next.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)

	names, cerr := storage.Keys(ctx)
	require.Nil(t, cerr)
	assert.ElementsMatch(t, []string{"V1.4-staticfiles", "V1.5-staticfiles"}, names)

	_, err = next.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)
	require.NoError(t, err)
	names, cerr = storage.Keys(ctx)
	require.Nil(t, cerr)
	assert.Equal(t, []string{"V1.5-staticfiles"}, names)
}

func TestUpgrade_FailedVersionDoesNotLeaveBucketBehind(t *testing.T) {
	ctx := waitTimeout(t)
	storage, cerr := cache.NewDiskStorage(t.TempDir(), hashutil.HashAlgoBLAKE3, &metadata.NoopSink{})
	require.Nil(t, cerr)

	// V2 loses its stylesheet while both images are still downloading
	release := make(chan time.Time)
	failing := new(fetcherMock)
	failing.onPathOK(t, "/home/resources/dologomasterwhiteretina.png", "png").WaitUntil(release)
	failing.onPathOK(t, "/home/resources/oxford-radcliffe-camera-w1200h675.jpg", "jpg").WaitUntil(release)
	failing.onPathOffline("/css/site.min.css")
	failing.onPathOK(t, "/js/site.min.js", "js")
	failing.onPathOK(t, "/offline.html", "offline")

	failedSink := &lifecycleSink{}
	failed := controller.NewController(testConfigVersion(t, "V2"), storage, failing, newHostMock(), failedSink)
	_, err := failed.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.Error(t, err)

	f := new(fetcherMock)
	onAllAssetsOK(t, f)
	next := controller.NewController(testConfigVersion(t, "V3"), storage, f, newHostMock(), &metadata.NoopSink{})
	_, err = next.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	_, err = next.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)
	require.NoError(t, err)

	close(release)
	require.Eventually(t, func() bool {
		return failedSink.errorCount(metadata.CauseStorageFailure) == 2
	}, 2*time.Second, 10*time.Millisecond)

	names, cerr := storage.Keys(ctx)
	require.Nil(t, cerr)
	assert.Equal(t, []string{"V3-staticfiles"}, names)
}

func TestControllerError_Unwrap(t *testing.T) {
	inner := context.Canceled
	err := &controller.ControllerError{Message: "x", Cause: controller.ErrCauseClaimFailed, Err: inner}
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), string(controller.ErrCauseClaimFailed))
}
